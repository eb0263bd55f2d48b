package stdiotransport_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub003/mcp/transport"
	"github.com/opencellcw/ulf-warden-sub003/mcp/transport/stdiotransport"
)

func TestSendFraming(t *testing.T) {
	serverIn, clientOut := io.Pipe()
	tr := stdiotransport.NewPipe(nil, clientOut)
	defer clientOut.Close()

	go func() {
		_ = tr.Send(context.Background(), transport.NewBaseMessageRequest(&transport.BaseJSONRPCRequest{
			Jsonrpc: "2.0",
			Id:      1,
			Method:  "ping",
			Params:  json.RawMessage(`{}`),
		}))
	}()

	line, err := bufio.NewReader(serverIn).ReadString('\n')
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`, line)
}

func TestReceive(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	tr := stdiotransport.NewPipe(clientIn, io.Discard)

	received := make(chan *transport.BaseJsonRpcMessage, 1)
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {
		received <- message
	})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	_, err := serverOut.Write([]byte(`{"jsonrpc":"2.0","id":2,"result":{"ok":true}}` + "\n"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.Equal(t, transport.BaseMessageTypeJSONRPCResponseType, msg.Type)
		assert.Equal(t, transport.RequestId(2), msg.JsonRpcResponse.Id)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInvalidFrameReportsError(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	tr := stdiotransport.NewPipe(clientIn, io.Discard)

	errs := make(chan error, 1)
	tr.SetErrorHandler(func(err error) { errs <- err })
	tr.SetMessageHandler(func(ctx context.Context, message *transport.BaseJsonRpcMessage) {})
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	_, err := serverOut.Write([]byte("not json\n"))
	require.NoError(t, err)

	select {
	case err := <-errs:
		assert.Contains(t, err.Error(), "failed to decode frame")
	case <-time.After(time.Second):
		t.Fatal("decode error not reported")
	}
}

func TestCloseHandlerOnEOF(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	tr := stdiotransport.NewPipe(clientIn, io.Discard)

	closed := make(chan struct{})
	tr.SetCloseHandler(func() { close(closed) })
	require.NoError(t, tr.Start(context.Background()))

	// the server going away closes its stdout
	require.NoError(t, serverOut.Close())

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close handler not invoked")
	}
}

func TestStartRequiresCommand(t *testing.T) {
	tr := stdiotransport.New(stdiotransport.Config{})
	err := tr.Start(context.Background())
	assert.EqualError(t, err, "stdio command is required")
}
