// Package obsid infers the observation id of a newly registered file from
// its name, for deployments whose naming conventions encode one.
package obsid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hera-team/librarian/internal/catalog"
)

// Modes of inference, selected by the obsid_inference_mode config setting.
const (
	ModeNone    = "none"
	ModeHERA    = "hera"
	ModeSO      = "so"
	ModeTesting = "_testing"
)

// ErrCannotInfer reports that an obsid could not be determined with
// certainty; registration proceeds only when the caller supplied one.
var ErrCannotInfer = errors.New("cannot infer obsid")

// gpsEpochJD is the Julian Date of the GPS epoch, 1980-01-06T00:00:00 UTC.
const gpsEpochJD = 2444244.5

// gpsUTCOffset is the current GPS-UTC leap-second offset. Fixed rather than
// table-driven; _testing mode only needs stable, not astronomically exact,
// obsids.
const gpsUTCOffset = 18

// Inferrer maps file names to obsids using the catalog's existing files.
type Inferrer struct {
	mode string
	cat  *catalog.Catalog
}

// New builds an inferrer. mode must already be validated by the config
// layer.
func New(mode string, cat *catalog.Catalog) *Inferrer {
	return &Inferrer{mode: mode, cat: cat}
}

// Infer determines the obsid for a file name, failing unless the answer is
// unambiguous.
func (i *Inferrer) Infer(ctx context.Context, name string) (int64, error) {
	switch i.mode {
	case ModeNone:
		return 0, fmt.Errorf("%w: refusing to infer the obsid of candidate new file %q",
			ErrCannotInfer, name)

	case ModeHERA:
		// HERA names look like zen.2457000.12345.xx.uv; files from the
		// same observation share the zen.JD prefix.
		bits := strings.Split(name, ".")
		if len(bits) < 4 {
			return 0, fmt.Errorf("%w: HERA file name %q looks weird", ErrCannotInfer, name)
		}
		prefix := strings.Join(bits[:3], ".")
		return i.uniqueObsidForPrefix(ctx, name, prefix+".%")

	case ModeSO:
		// SO names share a book-id prefix: obs_1698274638_sat1_111.
		bits := strings.Split(name, "_")
		if len(bits) < 2 {
			return 0, fmt.Errorf("%w: SO file name %q looks weird", ErrCannotInfer, name)
		}
		prefix := strings.Join(bits[:2], "_")
		return i.uniqueObsidForPrefix(ctx, name, prefix+"_%")

	case ModeTesting:
		bits := strings.Split(name, ".")
		if len(bits) < 4 {
			return 0, fmt.Errorf("%w: _testing file name %q looks weird", ErrCannotInfer, name)
		}
		jd, err := strconv.ParseFloat(bits[1]+"."+bits[2], 64)
		if err != nil {
			return 0, fmt.Errorf("%w: _testing file name %q has no parseable JD",
				ErrCannotInfer, name)
		}
		return jdToGPS(jd), nil
	}

	return 0, fmt.Errorf("unknown obsid inference mode %q", i.mode)
}

// uniqueObsidForPrefix requires exactly one known obsid among files sharing
// the prefix pattern.
func (i *Inferrer) uniqueObsidForPrefix(ctx context.Context, name, pattern string) (int64, error) {
	obsids, err := i.cat.DistinctObsidsForPrefix(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(obsids) != 1 {
		return 0, fmt.Errorf("%w: got %d candidate obsids from files named like %q",
			ErrCannotInfer, len(obsids), pattern)
	}
	return obsids[0], nil
}

// jdToGPS converts a UTC Julian Date to integer GPS seconds.
func jdToGPS(jd float64) int64 {
	return int64(math.Floor((jd-gpsEpochJD)*86400.0 + gpsUTCOffset))
}
