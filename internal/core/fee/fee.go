// Package fee derives the blob base fee of a block from its excess blob gas.
//
// The blob fee market prices blob gas with an integer approximation of
// factor * e^(excess / updateFraction). Every protocol upgrade that raises the
// blob target raises the update fraction as well, so the fraction in effect
// depends on the block timestamp. A Schedule holds that ordered list of
// epochs; the excess blob gas itself is never rescaled.
package fee

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/params"
)

// MinBaseFeePerBlobGas is the floor of the blob base fee in wei.
const MinBaseFeePerBlobGas = 1

var (
	// ErrEmptySchedule is returned when a schedule has no epochs.
	ErrEmptySchedule = errors.New("fee schedule has no epochs")

	// ErrInvalidEpoch is returned for a zero update fraction or a duplicate activation time.
	ErrInvalidEpoch = errors.New("invalid fee epoch")
)

// Epoch is one protocol upgrade that changes the blob update fraction.
type Epoch struct {
	Name           string `yaml:"name"`
	ActivationTime uint64 `yaml:"activation_time"` // unix seconds
	UpdateFraction uint64 `yaml:"update_fraction"`
}

// Mainnet blob schedule.
var (
	Cancun = Epoch{Name: "cancun", ActivationTime: 1710338135, UpdateFraction: 3338477}
	Prague = Epoch{Name: "prague", ActivationTime: 1746612311, UpdateFraction: 5007716}
	BPO1   = Epoch{Name: "bpo1", ActivationTime: 1765290071, UpdateFraction: 8346193}
	BPO2   = Epoch{Name: "bpo2", ActivationTime: 1767747671, UpdateFraction: 11684671}
)

// Schedule selects the update fraction for a block timestamp.
// Epochs are kept sorted by descending activation time.
type Schedule struct {
	epochs []Epoch
}

// NewSchedule validates the epochs and orders them latest first.
func NewSchedule(epochs ...Epoch) (*Schedule, error) {
	if len(epochs) == 0 {
		return nil, ErrEmptySchedule
	}

	sorted := make([]Epoch, len(epochs))
	copy(sorted, epochs)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ActivationTime > sorted[j].ActivationTime
	})

	for i, e := range sorted {
		if e.UpdateFraction == 0 {
			return nil, fmt.Errorf("%w: %q has zero update fraction", ErrInvalidEpoch, e.Name)
		}
		if i > 0 && sorted[i-1].ActivationTime == e.ActivationTime {
			return nil, fmt.Errorf(
				"%w: %q and %q share activation time %d",
				ErrInvalidEpoch, sorted[i-1].Name, e.Name, e.ActivationTime,
			)
		}
	}

	return &Schedule{epochs: sorted}, nil
}

// MustSchedule is NewSchedule for static schedules known to be valid.
func MustSchedule(epochs ...Epoch) *Schedule {
	s, err := NewSchedule(epochs...)
	if err != nil {
		panic(err)
	}
	return s
}

// MainnetSchedule returns the Ethereum mainnet blob schedule.
func MainnetSchedule() *Schedule {
	return MustSchedule(Cancun, Prague, BPO1, BPO2)
}

// Epochs returns the epochs, latest first.
func (s *Schedule) Epochs() []Epoch {
	out := make([]Epoch, len(s.epochs))
	copy(out, s.epochs)
	return out
}

// EpochAt returns the epoch in effect at ts.
// A nil timestamp, or one before every activation, maps to the earliest epoch.
func (s *Schedule) EpochAt(ts *time.Time) Epoch {
	earliest := s.epochs[len(s.epochs)-1]
	if ts == nil {
		return earliest
	}

	unix := ts.Unix()
	if unix < 0 {
		return earliest
	}
	for _, e := range s.epochs {
		if uint64(unix) >= e.ActivationTime {
			return e
		}
	}
	return earliest
}

// UpdateFraction returns the blob base fee update fraction in effect at ts.
func (s *Schedule) UpdateFraction(ts *time.Time) uint64 {
	return s.EpochAt(ts).UpdateFraction
}

// BlobBaseFee computes the blob base fee for excessBlobGas at ts.
func (s *Schedule) BlobBaseFee(excessBlobGas uint64, ts *time.Time) *big.Int {
	return FakeExponential(
		big.NewInt(MinBaseFeePerBlobGas),
		new(big.Int).SetUint64(excessBlobGas),
		new(big.Int).SetUint64(s.UpdateFraction(ts)),
	)
}

// FakeExponential approximates factor * e^(numerator/denominator) with the
// integer Taylor expansion used by the protocol. Every step floors.
func FakeExponential(factor, numerator, denominator *big.Int) *big.Int {
	var (
		output = new(big.Int)
		accum  = new(big.Int).Mul(factor, denominator)
		div    = new(big.Int)
	)
	for i := 1; accum.Sign() > 0; i++ {
		output.Add(output, accum)

		accum.Mul(accum, numerator)
		div.Mul(denominator, big.NewInt(int64(i)))
		accum.Div(accum, div)
	}
	return output.Div(output, denominator)
}

// BlobCount returns the number of blobs that consumed blobGasUsed.
func BlobCount(blobGasUsed uint64) uint64 {
	per := uint64(params.BlobTxBlobGasPerBlob)
	return (blobGasUsed + per - 1) / per
}
