package instrument

import (
	"errors"

	"github.com/banshee-data/labsweep/internal/param"
)

// Reading is one parameter value read from an instrument.
type Reading struct {
	FullName string  `json:"full_name"`
	Value    float64 `json:"value"`
	Display  string  `json:"display"`
}

// Snapshot reads every readable parameter of inst, going through a divider
// when one is attached. Unreadable parameters are skipped; read failures are
// joined into the returned error and the remaining readings are still
// returned.
func Snapshot(inst Instrument, dividers *param.Dividers) ([]Reading, error) {
	var (
		out  []Reading
		errs []error
	)
	for _, h := range inst.Parameters() {
		if !param.CanGet(h) {
			continue
		}
		v, err := param.Get(resolve(dividers, h))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, Reading{FullName: h.FullName(), Value: v, Display: param.Display(v)})
	}
	return out, errors.Join(errs...)
}

// SetAllToZero writes 0 to every writable parameter of inst.
func SetAllToZero(inst Instrument) error {
	var errs []error
	for _, h := range inst.Parameters() {
		if !param.CanSet(h) {
			continue
		}
		if err := param.Set(h, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func resolve(dividers *param.Dividers, h param.Handle) param.Handle {
	if dividers == nil {
		return h
	}
	return dividers.Resolve(h)
}
