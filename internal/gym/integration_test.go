package gym

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gr-harness/grh/internal/bridge"
	"github.com/gr-harness/grh/internal/config"
	"github.com/gr-harness/grh/internal/scenario"
)

const (
	booleanResponse = `<?xml version="1.0"?>
<methodResponse><params><param><value><boolean>1</boolean></value></param></params></methodResponse>`

	snrResponse = `<?xml version="1.0"?>
<methodResponse><params><param><value><double>21.5</double></value></param></params></methodResponse>`

	powerResponse = `<?xml version="1.0"?>
<methodResponse><params><param><value><array><data>
<value><double>-82.5</double></value>
<value><double>-61.0</double></value>
<value><double>-75.25</double></value>
</data></array></value></param></params></methodResponse>`
)

// flowgraphServer mimics the XML-RPC control server a generated flowgraph
// exposes, answering variable reads and writes.
func flowgraphServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()

	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		method := methodName(string(body))
		methods = append(methods, method)

		w.Header().Set("Content-Type", "text/xml")
		switch method {
		case "get_snr":
			fmt.Fprint(w, snrResponse)
		case "get_power":
			fmt.Fprint(w, powerResponse)
		default:
			fmt.Fprint(w, booleanResponse)
		}
	}))
	t.Cleanup(server.Close)
	return server, &methods
}

func methodName(body string) string {
	start := strings.Index(body, "<methodName>")
	end := strings.Index(body, "</methodName>")
	if start < 0 || end < 0 {
		return ""
	}
	return body[start+len("<methodName>") : end]
}

func TestEpisodeAgainstFlowgraphServer(t *testing.T) {
	server, methods := flowgraphServer(t)

	cfg := config.Defaults()
	cfg.CompileAndExecute = false
	cfg.EventBased = true
	cfg.SimulateChannel = true

	client := bridge.NewClient(strings.TrimPrefix(server.URL, "http://"))
	env, err := New(context.Background(), &cfg,
		WithBridge(client),
		WithShutdownStarter(func(closeFn func()) stopper { return noopStopper{} }),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, env.Close()) }()

	obs, err := env.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scenario.Observation{-82.5, -61.0, -75.25}, obs)

	result, err := env.Step(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 21.5, result.Reward)
	assert.True(t, result.Done, "SNR above threshold should end the episode")
	assert.Equal(t, scenario.Observation{-82.5, -61.0, -75.25}, result.Observation)
	assert.Contains(t, result.Info, "gain=10")

	assert.Contains(t, *methods, "set_gain")
	assert.Contains(t, *methods, "set_noise_seed")
}

func TestCloseStopsRemoteFlowgraph(t *testing.T) {
	server, methods := flowgraphServer(t)

	cfg := config.Defaults()
	cfg.CompileAndExecute = false
	cfg.EventBased = true

	client := bridge.NewClient(strings.TrimPrefix(server.URL, "http://"))
	env, err := New(context.Background(), &cfg,
		WithBridge(client),
		WithShutdownStarter(func(closeFn func()) stopper { return noopStopper{} }),
	)
	require.NoError(t, err)

	_, err = env.Reset(context.Background())
	require.NoError(t, err)
	require.NoError(t, env.Close())

	assert.Contains(t, *methods, "stop", "closing the bridge should stop the remote flowgraph")
}
