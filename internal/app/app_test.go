package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tailscale.com/tsweb"

	"github.com/banshee-data/labsweep/internal/config"
	"github.com/banshee-data/labsweep/internal/instrument"
	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/serialmux"
	"github.com/banshee-data/labsweep/internal/sweep"
)

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Empty()
	cfg.DBPath = strPtr(filepath.Join(t.TempDir(), "sweeps.db"))
	cfg.RepeatInterval = strPtr("1ms")
	cfg.LiveInterval = strPtr("1ms")
	cfg.Instruments = []config.InstrumentConfig{
		{Name: "dev", Driver: config.DriverDummy},
		{Name: "psu", Driver: config.DriverSCPI, Port: "/dev/null", Parameters: []config.ParameterConfig{
			{Name: "volt", Header: "VOLT", Min: 0, Max: 30},
		}},
	}
	cfg.Dividers = map[string]float64{"dev_dac1": 10}
	return cfg
}

func fakeSCPI(volt *string) Option {
	return WithSCPIOpener(func(name, port string, opts serialmux.PortOptions, params []instrument.SCPIParameter) (instrument.Instrument, error) {
		sp := serialmux.NewTestableSerialPort(func(cmd string) string {
			switch {
			case strings.HasPrefix(cmd, "VOLT "):
				*volt = strings.TrimPrefix(cmd, "VOLT ")
				return ""
			case cmd == "VOLT?":
				return *volt
			}
			return ""
		})
		return instrument.NewSCPI(name, serialmux.NewSerialMux(sp), params)
	})
}

func closeApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Close(ctx))
}

func TestNew_BuildsSession(t *testing.T) {
	volt := "0"
	a, err := New(testConfig(t), fakeSCPI(&volt))
	require.NoError(t, err)
	defer closeApp(t, a)

	assert.Equal(t, []string{"dev", "psu"}, a.Registry.Names())
	assert.Equal(t, []string{"dev_dac1"}, a.Dividers.Names())
	assert.Equal(t, 10.0, a.Dividers.DivisionFor("dev_dac1"))

	psuVolt, err := a.Registry.Parameter("psu", "volt")
	require.NoError(t, err)
	require.NoError(t, param.Set(psuVolt, 12))
	v, err := param.Get(psuVolt)
	require.NoError(t, err)
	assert.Equal(t, 12.0, v)
}

func TestNew_SweepThroughDivider(t *testing.T) {
	volt := "0"
	a, err := New(testConfig(t), fakeSCPI(&volt))
	require.NoError(t, err)
	defer closeApp(t, a)

	dac1, err := a.Registry.Parameter("dev", "dac1")
	require.NoError(t, err)
	dac2, err := a.Registry.Parameter("dev", "dac2")
	require.NoError(t, err)

	name, err := a.Library.Add(sweep.New(dac1, 0, 4, 5, 0, sweep.Read{Param: dac2}))
	require.NoError(t, err)
	def, err := a.Library.Get(name)
	require.NoError(t, err)

	run, err := a.Runner.Run(def, name)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run.Wait(ctx))

	dev, err := a.Registry.Get("dev")
	require.NoError(t, err)
	raw, err := dev.(*instrument.Dummy).Peek("dac1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, raw, "the divider scales the last setpoint")

	points, err := a.Recorder.Points(run.Data.ID)
	require.NoError(t, err)
	assert.Len(t, points, 5)
	assert.Equal(t, "dev_dac1_divided", points[4].Setpoints[0].Param)
}

func TestNew_LiveMonitorsFollowSweepLifecycle(t *testing.T) {
	tests := []struct {
		name        string
		stopLive    *bool
		wantWatched []string
	}{
		{"default stops monitors", nil, nil},
		{"disabled keeps monitors", boolPtr(false), []string{"dev_dac3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.StopLiveAfterSweep = tt.stopLive
			volt := "0"
			a, err := New(cfg, fakeSCPI(&volt))
			require.NoError(t, err)
			defer closeApp(t, a)

			dac1, err := a.Registry.Lookup("dev_dac1")
			require.NoError(t, err)
			dac3, err := a.Registry.Lookup("dev_dac3")
			require.NoError(t, err)
			_, err = a.Board.Watch(dac3)
			require.NoError(t, err)
			require.Equal(t, []string{"dev_dac3"}, a.Board.Watching())

			run, err := a.Runner.Run(sweep.New(dac1, 0, 1, 2, 0), "lifecycle")
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, run.Wait(ctx))

			assert.Equal(t, tt.wantWatched, a.Board.Watching())
		})
	}
}

func TestNew_RejectsUnknownDivider(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dividers = map[string]float64{"dev_missing": 2}
	volt := "0"
	_, err := New(cfg, fakeSCPI(&volt))
	assert.ErrorIs(t, err, instrument.ErrUnknownParameter)
}

func TestNew_SCPIOpenFailure(t *testing.T) {
	boom := errors.New("no such port")
	_, err := New(testConfig(t), WithSCPIOpener(func(string, string, serialmux.PortOptions, []instrument.SCPIParameter) (instrument.Instrument, error) {
		return nil, boom
	}))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "psu")
}

func TestAttachAdminRoutes(t *testing.T) {
	volt := "0"
	a, err := New(testConfig(t), fakeSCPI(&volt))
	require.NoError(t, err)
	defer closeApp(t, a)

	mux := http.NewServeMux()
	require.NoError(t, a.AttachAdminRoutes(tsweb.Debugger(mux)))

	req := httptest.NewRequest(http.MethodPost, "/debug/serial/psu", strings.NewReader("command=VOLT+7"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:4242"
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "7", volt)
}

func TestBuildDefinition(t *testing.T) {
	volt := "0"
	a, err := New(testConfig(t), fakeSCPI(&volt))
	require.NoError(t, err)
	defer closeApp(t, a)

	inner, err := a.BuildDefinition(DefinitionSpec{
		Swept: "dev_dac2", Lower: -1, Upper: 1, StepSize: 0.5,
		Actions: []ActionSpec{{Read: "psu_volt"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, inner.Steps)
	innerName, err := a.Library.Add(inner)
	require.NoError(t, err)

	outer, err := a.BuildDefinition(DefinitionSpec{
		Swept: "dev_dac1", Lower: 0, Upper: 10, Steps: 3, Delay: "20ms",
		Actions: []ActionSpec{{Sweep: innerName}, {Inner: &DefinitionSpec{Swept: "dev_dac3", Lower: 0, Upper: 1, Steps: 2}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 20*time.Millisecond, outer.Delay)
	require.Len(t, outer.Actions, 3)
	assert.Same(t, inner, outer.Actions[0].(sweep.Nested).Sweep)
	assert.True(t, outer.Actions[2].(sweep.Task).IsStopCheck())

	tests := []struct {
		name string
		spec DefinitionSpec
		want error
	}{
		{"unknown swept", DefinitionSpec{Swept: "dev_nope", Steps: 1}, instrument.ErrUnknownParameter},
		{"steps and size", DefinitionSpec{Swept: "dev_dac1", Steps: 2, StepSize: 1, Upper: 1}, sweep.ErrInvalidDefinition},
		{"bad delay", DefinitionSpec{Swept: "dev_dac1", Steps: 2, Delay: "later"}, sweep.ErrInvalidDefinition},
		{"empty action", DefinitionSpec{Swept: "dev_dac1", Steps: 2, Actions: []ActionSpec{{}}}, sweep.ErrInvalidDefinition},
		{"unknown loop", DefinitionSpec{Swept: "dev_dac1", Steps: 2, Actions: []ActionSpec{{Sweep: "loop99"}}}, sweep.ErrUnknownSweep},
		{"zero steps", DefinitionSpec{Swept: "dev_dac1"}, sweep.ErrInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.BuildDefinition(tt.spec)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
