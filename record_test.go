package deepstream

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordGetAndRead(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rh := NewRecordHandler(conn, testConfig())

	rec := rh.GetRecord("user/1")
	waitFor(t, func() bool {
		for _, f := range ft.writtenFrames() {
			if f.Topic == TopicRecord && f.Action == ActionCreateOrRead && len(f.Data) > 0 && f.Data[0] == "user/1" {
				return true
			}
		}
		return false
	}, "createorread sent")

	ft.push(newFrame(TopicRecord, ActionRead, "user/1", "1", `{"name":"Homer"}`))
	waitFor(t, rec.IsReady, "record becomes ready")

	assert.Equal(t, "Homer", rec.Get("name"))
	assert.Equal(t, 1, rec.Version())
}

func TestRecordSetSendsUpdateAndAcksCallback(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rh := NewRecordHandler(conn, testConfig())

	rec := rh.GetRecord("user/2")
	ft.push(newFrame(TopicRecord, ActionRead, "user/2", "1", `{"name":"Marge"}`))
	waitFor(t, rec.IsReady, "record ready")

	done := make(chan error, 1)
	rec.Set("Bart", "name", func(err error) { done <- err })

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicRecord && f.Action == ActionPatch
	}, "patch frame sent")

	f, _ := ft.lastFrame()
	require.Equal(t, []string{"user/2", "2", "name", "SBart", `{"writeSuccess":true}`}, f.Data)
	assert.Equal(t, "Bart", rec.Get("name"), "local apply is optimistic")

	ft.push(newFrame(TopicRecord, ActionWriteAcknowledgement, "user/2", "[2]", "L"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write callback never invoked")
	}
}

func TestRecordSubscribeFiresOnPathChange(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rh := NewRecordHandler(conn, testConfig())

	rec := rh.GetRecord("user/3")
	ft.push(newFrame(TopicRecord, ActionRead, "user/3", "1", `{"name":"Lisa","age":8}`))
	waitFor(t, rec.IsReady, "record ready")

	seen := make(chan interface{}, 4)
	rec.Subscribe("age", false, func(v interface{}) { seen <- v })

	ft.push(newFrame(TopicRecord, ActionUpdate, "user/3", "2", `{"name":"Lisa","age":9}`))

	select {
	case v := <-seen:
		assert.Equal(t, float64(9), v)
	case <-time.After(time.Second):
		t.Fatal("path subscriber never fired")
	}
}

func TestRecordVersionExistsRecoversWithRemoteWins(t *testing.T) {
	cfg := testConfig()
	cfg.MergeStrategy = RemoteWins
	conn, ft := openTestConnection(t, testConfig())
	rh := NewRecordHandler(conn, cfg)

	rec := rh.GetRecord("user/4")
	ft.push(newFrame(TopicRecord, ActionRead, "user/4", "5", `{"name":"Moe"}`))
	waitFor(t, rec.IsReady, "record ready")

	done := make(chan error, 1)
	rec.Set("Barney", "name", func(err error) { done <- err })

	ft.push(newFrame(TopicRecord, ActionError, string(ErrVersionExists), "user/4", "6", `{"name":"Carl"}`))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("recovery never completed")
	}
	waitFor(t, func() bool { return rec.Version() == 6 }, "version advances to remote")
	assert.Equal(t, "Carl", rec.Get("name"))

	want := map[string]interface{}{"name": "Carl"}
	if diff := cmp.Diff(want, rec.Get("")); diff != "" {
		t.Fatalf("recovered document mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordWhenReadyQueuesCallsUntilReady(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rh := NewRecordHandler(conn, testConfig())

	rec := rh.GetRecord("user/5")

	fired := make(chan struct{}, 1)
	rec.WhenReady(func(r *Record) { fired <- struct{}{} })

	select {
	case <-fired:
		t.Fatal("WhenReady fired before the record was ready")
	case <-time.After(30 * time.Millisecond):
	}

	ft.push(newFrame(TopicRecord, ActionRead, "user/5", "1", `{}`))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("WhenReady never fired once ready")
	}
}

func TestRecordDiscardSendsUnsubscribeAndDestroys(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rh := NewRecordHandler(conn, testConfig())

	rec := rh.GetRecord("user/6")
	ft.push(newFrame(TopicRecord, ActionRead, "user/6", "1", `{}`))
	waitFor(t, rec.IsReady, "record ready")

	discarded := make(chan struct{}, 1)
	rec.OnDiscard(func() { discarded <- struct{}{} })

	rec.Discard()
	waitFor(t, func() bool {
		for _, f := range ft.writtenFrames() {
			if f.Topic == TopicRecord && f.Action == ActionUnsubscribe && len(f.Data) > 0 && f.Data[0] == "user/6" {
				return true
			}
		}
		return false
	}, "unsubscribe sent")

	ft.push(newFrame(TopicRecord, ActionAck, ActionUnsubscribe, "user/6"))

	select {
	case <-discarded:
	case <-time.After(time.Second):
		t.Fatal("discard observer never fired")
	}
	assert.True(t, rec.IsDestroyed())
}
