package container

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeComponent struct {
	name     string
	startErr error
	health   error
	log      *[]string
}

func (f *fakeComponent) Name() string  { return f.name }
func (f *fakeComponent) Health() error { return f.health }

func (f *fakeComponent) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.log = append(*f.log, "start "+f.name)
	return nil
}

func (f *fakeComponent) Stop() error {
	*f.log = append(*f.log, "stop "+f.name)
	return nil
}

func TestLifecycleManager_RollbackOnStartFailure(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "bus", log: &log})
	m.Register(&fakeComponent{name: "watcher", log: &log})
	m.Register(&fakeComponent{name: "http", startErr: errors.New("port in use"), log: &log})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start http failed")
	assert.Equal(t, []string{"start bus", "start watcher", "stop watcher", "stop bus"}, log)
}

func TestLifecycleManager_HealthJoinsFailures(t *testing.T) {
	var log []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "bus", log: &log})
	m.Register(&fakeComponent{name: "reconciler", health: errors.New("exchange down"), log: &log})
	m.Register(&fakeComponent{name: "http", health: errors.New("not serving"), log: &log})

	err := m.CheckHealth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconciler: exchange down")
	assert.Contains(t, err.Error(), "http: not serving")
	assert.Equal(t, []string{"bus", "reconciler", "http"}, m.Names())
}

func TestHTTPServerComponent_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	h := &httpServerComponent{name: "http_server", addr: ln.Addr().String(), logger: zap.NewNop()}
	assert.Error(t, h.Start(context.Background()))
	assert.Error(t, h.Health())
	assert.NoError(t, h.Stop())
}

func TestHTTPServerComponent_StartStop(t *testing.T) {
	h := &httpServerComponent{name: "http_server", addr: "127.0.0.1:0", logger: zap.NewNop()}
	require.NoError(t, h.Start(context.Background()))
	assert.NoError(t, h.Health())
	require.NoError(t, h.Stop())
	assert.Error(t, h.Health())
}
