package instrument

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/labsweep/internal/param"
	"github.com/banshee-data/labsweep/internal/serialmux"
)

// fakePSU answers like a single-channel supply: VOLT is settable and
// readable, MEAS:CURR is read-only.
func fakePSU() (*serialmux.TestableSerialPort, *serialmux.SerialMux[*serialmux.TestableSerialPort]) {
	volts := "0"
	port := serialmux.NewTestableSerialPort(func(command string) string {
		switch {
		case command == "*IDN?":
			return "ACME,PSU-1,0001,1.0"
		case command == "VOLT?":
			return volts
		case strings.HasPrefix(command, "VOLT "):
			volts = strings.TrimPrefix(command, "VOLT ")
		case command == "MEAS:CURR?":
			return "0.125"
		case command == "BAD?":
			return "overload"
		}
		return ""
	})
	return port, serialmux.NewSerialMux(port)
}

func TestSCPI_SetAndGet(t *testing.T) {
	port, mux := fakePSU()
	psu, err := NewSCPI("psu", mux, []SCPIParameter{
		{Name: "volt", Header: "VOLT", Min: 0, Max: 30},
		{Name: "curr", Header: "MEAS:CURR", Access: "r"},
	})
	require.NoError(t, err)

	volt, err := psu.Parameter("volt")
	require.NoError(t, err)
	assert.Equal(t, "psu_volt", volt.FullName())

	require.NoError(t, param.Set(volt, 12.5))
	v, err := param.Get(volt)
	require.NoError(t, err)
	assert.Equal(t, 12.5, v)

	assert.ErrorIs(t, param.Set(volt, 31), param.ErrInvalidValue)

	curr, err := psu.Parameter("curr")
	require.NoError(t, err)
	c, err := param.Get(curr)
	require.NoError(t, err)
	assert.Equal(t, 0.125, c)
	assert.ErrorIs(t, param.Set(curr, 1), param.ErrNotSettable)

	idn, err := psu.Identify()
	require.NoError(t, err)
	assert.Equal(t, "ACME,PSU-1,0001,1.0", idn)

	assert.Equal(t, []string{"VOLT 12.5", "VOLT?", "MEAS:CURR?", "*IDN?"}, port.Commands())
}

func TestSCPI_DividerScalesWire(t *testing.T) {
	port, mux := fakePSU()
	psu, err := NewSCPI("psu", mux, []SCPIParameter{{Name: "volt", Header: "VOLT"}})
	require.NoError(t, err)

	volt, _ := psu.Parameter("volt")
	d, err := param.NewDivider(volt, 10)
	require.NoError(t, err)

	require.NoError(t, d.Set(0.5))
	got, err := d.Get()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got, 1e-12)
	assert.Equal(t, "VOLT 5", port.Commands()[0])
}

func TestSCPI_BadReply(t *testing.T) {
	_, mux := fakePSU()
	psu, err := NewSCPI("psu", mux, []SCPIParameter{{Name: "bad", Header: "BAD", Access: "r"}})
	require.NoError(t, err)

	h, _ := psu.Parameter("bad")
	_, err = param.Get(h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "psu_bad")
	assert.Contains(t, err.Error(), "overload")
}

func TestNewSCPI_InvalidDefinitions(t *testing.T) {
	_, mux := fakePSU()

	_, err := NewSCPI("psu", mux, []SCPIParameter{{Name: "volt"}})
	assert.ErrorContains(t, err, "missing SCPI header")

	_, err = NewSCPI("psu", mux, []SCPIParameter{{Name: "volt", Header: "VOLT", Access: "x"}})
	assert.Error(t, err)

	_, err = NewSCPI("psu", mux, []SCPIParameter{
		{Name: "volt", Header: "VOLT"},
		{Name: "volt", Header: "VOLT"},
	})
	assert.Error(t, err)
}

func TestSCPI_Close(t *testing.T) {
	port, mux := fakePSU()
	psu, err := NewSCPI("psu", mux, nil)
	require.NoError(t, err)

	require.NoError(t, psu.Close())
	assert.True(t, port.Closed)
}
