package deepstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceSubscribeSendsSubscribeOnce(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	ph.Subscribe(func(client string, loggedIn bool) {})
	ph.Subscribe(func(client string, loggedIn bool) {})

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicPresence && f.Action == ActionSubscribe
	}, "subscribe sent")

	count := 0
	for _, f := range ft.writtenFrames() {
		if f.Topic == TopicPresence && f.Action == ActionSubscribe {
			count++
		}
	}
	assert.Equal(t, 1, count, "subscribe must only be sent for the first local subscriber")
}

func TestPresenceJoinAndLeaveNotifySubscribers(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	events := &stringRecorder{}
	ph.Subscribe(func(client string, loggedIn bool) {
		if loggedIn {
			events.add("+" + client)
		} else {
			events.add("-" + client)
		}
	})
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionSubscribe
	}, "subscribe sent")

	ft.push(newFrame(TopicPresence, ActionPresenceJoin, "Homer"))
	ft.push(newFrame(TopicPresence, ActionPresenceLeave, "Marge"))

	waitFor(t, func() bool { return events.len() == 2 }, "join and leave delivered")
	assert.Equal(t, []string{"+Homer", "-Marge"}, events.snapshot())
}

func TestPresenceQueryAllPlainArgumentsList(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	queried := make(chan []string, 1)
	ph.QueryAll(func(clients []string) { queried <- clients })
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicPresence && f.Action == ActionQuery
	}, "query sent")

	ft.push(newFrame(TopicPresence, ActionQuery, "Marge", "Homer", "Bart"))

	select {
	case clients := <-queried:
		assert.Equal(t, []string{"Marge", "Homer", "Bart"}, clients)
	case <-time.After(time.Second):
		t.Fatal("query callback never invoked")
	}
}

func TestPresenceQueryAllDigitLeadingNonJSONFallsBackToRaw(t *testing.T) {
	// decodePresenceList's digit-leading branch only applies json.Unmarshal
	// when the single argument starts with a digit; a JSON array necessarily
	// starts with '[', so a digit-leading argument can never itself parse as
	// one and this path always falls back to treating it as a single client
	// name, exactly like the plain-arguments case.
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	queried := make(chan []string, 1)
	ph.QueryAll(func(clients []string) { queried <- clients })
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionQuery
	}, "query sent")

	ft.push(newFrame(TopicPresence, ActionQuery, "2Pac"))

	select {
	case clients := <-queried:
		assert.Equal(t, []string{"2Pac"}, clients)
	case <-time.After(time.Second):
		t.Fatal("query callback never invoked")
	}
}

func TestPresenceGetWithUsersSendsFilteredQuery(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	queried := make(chan []string, 1)
	ph.Get(func(clients []string) { queried <- clients }, "Homer", "Marge")

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicPresence && f.Action == ActionQuery
	}, "query sent")
	f, _ := ft.lastFrame()
	require.Equal(t, []string{"Homer,Marge"}, f.Data)

	ft.push(newFrame(TopicPresence, ActionQuery, "Homer"))
	select {
	case clients := <-queried:
		assert.Equal(t, []string{"Homer"}, clients)
	case <-time.After(time.Second):
		t.Fatal("filtered query callback never invoked")
	}
}

func TestPresenceSubscribeWithUsersRoutesPerUserCallbacks(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	homerEvents := &stringRecorder{}
	ph.Subscribe(func(client string, loggedIn bool) {
		homerEvents.add(client)
	}, "Homer")

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicPresence && f.Action == ActionSubscribe
	}, "filtered subscribe sent")
	f, _ := ft.lastFrame()
	require.Equal(t, []string{"Homer"}, f.Data)

	ft.push(newFrame(TopicPresence, ActionPresenceJoin, "Marge"))
	ft.push(newFrame(TopicPresence, ActionPresenceJoin, "Homer"))

	waitFor(t, func() bool { return homerEvents.len() == 1 }, "only the subscribed user is delivered")
	assert.Equal(t, []string{"Homer"}, homerEvents.snapshot())
}

func TestPresenceUnsubscribeWithUsersSendsOnceLastCallbackRemoved(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	cb := func(client string, loggedIn bool) {}
	ph.Subscribe(cb, "Bart", "Lisa")
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionSubscribe
	}, "filtered subscribe sent")

	ph.Unsubscribe(cb, "Bart", "Lisa")
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionUnsubscribe
	}, "filtered unsubscribe sent")
	f, _ := ft.lastFrame()
	require.Equal(t, []string{"Bart,Lisa"}, f.Data)
}

func TestPresenceUnsubscribeSendsOnceLastCallbackRemoved(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	ph := NewPresenceHandler(conn, testConfig())

	cb := func(client string, loggedIn bool) {}
	ph.Subscribe(cb)
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionSubscribe
	}, "subscribe sent")

	ph.Unsubscribe(cb)
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionUnsubscribe
	}, "unsubscribe sent")
	f, _ := ft.lastFrame()
	require.Equal(t, []string{ActionUnsubscribe}, f.Data)
}
