package deepstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCProvideRejectsDuplicateName(t *testing.T) {
	conn, _ := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, testConfig())

	require.NoError(t, rpch.Provide("math/double", func(data interface{}, resp *RPCResponse) {}))
	err := rpch.Provide("math/double", func(data interface{}, resp *RPCResponse) {})
	assert.Error(t, err)
}

func TestRPCProviderRespondsAndAutoAcksFirst(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, testConfig())

	require.NoError(t, rpch.Provide("math/double", func(data interface{}, resp *RPCResponse) {
		n, _ := data.(int64)
		resp.Send(n * 2)
	}))
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicRPC && f.Action == ActionSubscribe
	}, "provider subscribe sent")

	ft.push(newFrame(TopicRPC, ActionRequest, "math/double", "corr-1", "N21"))

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionResponse
	}, "response sent")
	f, _ := ft.lastFrame()
	require.Equal(t, []string{"math/double", "corr-1", "N42"}, f.Data)

	ackSeen := false
	for _, fr := range ft.writtenFrames() {
		if fr.Action == ActionAck && len(fr.Data) == 3 && fr.Data[0] == ActionRequest && fr.Data[2] == "corr-1" {
			ackSeen = true
		}
	}
	assert.True(t, ackSeen, "Send must implicitly ack before answering")
}

func TestRPCProviderRejectSuppressesAutoAck(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, testConfig())

	require.NoError(t, rpch.Provide("math/flaky", func(data interface{}, resp *RPCResponse) {
		resp.Reject()
	}))
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionSubscribe
	}, "provider subscribe sent")

	ft.push(newFrame(TopicRPC, ActionRequest, "math/flaky", "corr-2", "L"))

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionRejection
	}, "rejection sent")

	for _, fr := range ft.writtenFrames() {
		if fr.Action == ActionAck && len(fr.Data) == 3 && fr.Data[2] == "corr-2" {
			t.Fatal("Reject must suppress the automatic ack")
		}
	}
}

func TestRPCMakeRoundtripAckThenResponse(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, testConfig())

	done := make(chan struct{})
	var gotErr string
	var gotData interface{}
	rpch.Make("math/add", map[string]interface{}{"a": 1}, func(errMsg string, data interface{}) {
		gotErr, gotData = errMsg, data
		close(done)
	})

	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Topic == TopicRPC && f.Action == ActionRequest
	}, "rpc request sent")
	f, _ := ft.lastFrame()
	require.Equal(t, "math/add", f.Data[0])
	uid := f.Data[1]

	ft.push(newFrame(TopicRPC, ActionAck, ActionRequest, "math/add", uid))
	ft.push(newFrame(TopicRPC, ActionResponse, "math/add", uid, "N2"))

	select {
	case <-done:
		assert.Equal(t, "", gotErr)
		assert.Equal(t, int64(2), gotData)
	case <-time.After(time.Second):
		t.Fatal("rpc callback never invoked")
	}
}

func TestRPCMakeAckTimeoutInvokesCallback(t *testing.T) {
	cfg := testConfig()
	cfg.RPCAckTimeout = 50 * time.Millisecond
	conn, _ := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, cfg)

	done := make(chan string, 1)
	rpch.Make("slow/op", nil, func(errMsg string, data interface{}) { done <- errMsg })

	select {
	case errMsg := <-done:
		assert.Equal(t, string(ErrAckTimeout), errMsg)
	case <-time.After(time.Second):
		t.Fatal("ack timeout never fired")
	}
}

func TestRPCUnprovideSendsUnsubscribe(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, testConfig())

	require.NoError(t, rpch.Provide("math/double", func(data interface{}, resp *RPCResponse) {}))
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionSubscribe
	}, "subscribe sent")

	rpch.Unprovide("math/double")
	waitFor(t, func() bool {
		f, ok := ft.lastFrame()
		return ok && f.Action == ActionUnsubscribe
	}, "unsubscribe sent")
	f, _ := ft.lastFrame()
	require.Equal(t, []string{"math/double"}, f.Data)
}

func TestRPCCloseUnprovidesEveryRegisteredName(t *testing.T) {
	conn, ft := openTestConnection(t, testConfig())
	rpch := NewRPCHandler(conn, testConfig())

	require.NoError(t, rpch.Provide("a", func(data interface{}, resp *RPCResponse) {}))
	require.NoError(t, rpch.Provide("b", func(data interface{}, resp *RPCResponse) {}))
	waitFor(t, func() bool {
		count := 0
		for _, f := range ft.writtenFrames() {
			if f.Action == ActionSubscribe {
				count++
			}
		}
		return count == 2
	}, "both provides sent")

	rpch.Close()
	waitFor(t, func() bool {
		count := 0
		for _, f := range ft.writtenFrames() {
			if f.Action == ActionUnsubscribe {
				count++
			}
		}
		return count == 2
	}, "both unprovides sent on close")
}
