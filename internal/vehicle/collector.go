package vehicle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
)

// Step is one stage of the year -> make -> model -> trim sequence.
type Step string

const (
	StepYear  Step = "year"
	StepMake  Step = "make"
	StepModel Step = "model"
	StepTrim  Step = "trim"
)

// ParseStep validates a step name.
func ParseStep(s string) (Step, error) {
	switch st := Step(strings.ToLower(strings.TrimSpace(s))); st {
	case StepYear, StepMake, StepModel, StepTrim:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStep, s)
}

var (
	// ErrInvalidStep is returned for an unknown step name.
	ErrInvalidStep = errors.New("invalid vehicle step")
	// ErrInvalidSlot is returned for a slot outside [0, MaxVehicles).
	ErrInvalidSlot = errors.New("invalid vehicle slot")
)

// StepResult describes the outcome of one submitted step. A rejected value
// leaves the slot unchanged and names the step to retry.
type StepResult struct {
	Accepted  bool           `json:"accepted"`
	Step      Step           `json:"step"`
	NextStep  Step           `json:"nextStep,omitempty"`
	RetryStep Step           `json:"retryStep,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Options   []string       `json:"options,omitempty"`
	Vehicle   domain.Vehicle `json:"vehicle"`
}

// SessionStore is the part of the session manager the collector writes to.
type SessionStore interface {
	Vehicle(id string, slot int) (domain.Vehicle, error)
	SetVehicle(id string, slot int, v domain.Vehicle) (*domain.Session, error)
}

const lockStripes = 32

// Collector validates vehicle steps against a Catalog and records accepted
// values as authoritative vehicle data.
type Collector struct {
	sessions SessionStore
	catalog  Catalog
	logger   *slog.Logger
	// Clock supplies the current time for the model-year range.
	Clock func() time.Time

	// locks serializes submissions per session without a global lock.
	locks [lockStripes]sync.Mutex
}

// NewCollector creates a collector.
func NewCollector(sessions SessionStore, catalog Catalog, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{sessions: sessions, catalog: catalog, logger: logger, Clock: time.Now}
}

func (c *Collector) lock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &c.locks[h.Sum32()%lockStripes]
}

// Submit validates value for step of the given vehicle slot. Accepting a step
// keeps the later steps the catalogue still confirms and clears the rest. Errors are returned only for unknown
// sessions, bad slots or steps; rejected values are reported in the result.
func (c *Collector) Submit(ctx context.Context, sessionID string, slot int, step Step, value string) (StepResult, error) {
	if slot < 0 || slot >= domain.MaxVehicles {
		return StepResult{}, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if _, err := ParseStep(string(step)); err != nil {
		return StepResult{}, err
	}

	mu := c.lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	current, err := c.sessions.Vehicle(sessionID, slot)
	if err != nil {
		return StepResult{}, err
	}

	value = strings.TrimSpace(value)
	res, next := c.validate(ctx, current, step, value)
	res.Step = step
	if !res.Accepted {
		res.Vehicle = current
		c.logger.Info("Vehicle step rejected",
			"session_id", sessionID,
			"slot", slot,
			"step", step,
			"value", value,
			"retry_step", res.RetryStep,
			"reason", res.Reason)
		return res, nil
	}

	next = c.carryForward(ctx, current, next, step)
	next.Validated = true
	res.NextStep = nextMissing(next)
	if _, err := c.sessions.SetVehicle(sessionID, slot, next); err != nil {
		return StepResult{}, err
	}
	res.Vehicle = next
	c.logger.Info("Vehicle step accepted", "session_id", sessionID, "slot", slot, "step", step, "vehicle", next.Key())
	return res, nil
}

func (c *Collector) validate(ctx context.Context, v domain.Vehicle, step Step, value string) (StepResult, domain.Vehicle) {
	reject := func(retry Step, reason string, options []string) (StepResult, domain.Vehicle) {
		return StepResult{RetryStep: retry, Reason: reason, Options: options}, v
	}
	if value == "" {
		return reject(step, "a value is required", nil)
	}

	switch step {
	case StepYear:
		year, err := strconv.Atoi(value)
		if err != nil {
			return reject(StepYear, "year must be a number", nil)
		}
		if !domain.ValidVehicleYear(year, c.Clock()) {
			return reject(StepYear, fmt.Sprintf("year must be between %d and %d", domain.MinVehicleYear, c.Clock().Year()+1), nil)
		}
		makes, err := c.catalog.Makes(ctx, year)
		if err != nil {
			c.logger.Warn("Vehicle catalog lookup failed", "step", step, "error", err)
			return reject(StepYear, "could not confirm year", nil)
		}
		if len(makes) == 0 {
			return reject(StepYear, fmt.Sprintf("no vehicles listed for %d", year), nil)
		}
		return StepResult{Accepted: true, NextStep: StepMake}, domain.Vehicle{Year: domain.Ptr(year), VIN: v.VIN}

	case StepMake:
		if v.Year == nil {
			return reject(StepYear, "year required before make", nil)
		}
		makes, err := c.catalog.Makes(ctx, *v.Year)
		if err != nil {
			c.logger.Warn("Vehicle catalog lookup failed", "step", step, "error", err)
			return reject(StepMake, "could not confirm make", nil)
		}
		canonical, ok := matchOption(makes, value)
		if !ok {
			return reject(StepMake, fmt.Sprintf("unknown make for %d", *v.Year), makes)
		}
		return StepResult{Accepted: true, NextStep: StepModel}, domain.Vehicle{Year: v.Year, Make: canonical, VIN: v.VIN}

	case StepModel:
		if v.Year == nil {
			return reject(StepYear, "year required before model", nil)
		}
		if v.Make == "" {
			return reject(StepMake, "make required before model", nil)
		}
		models, err := c.catalog.Models(ctx, *v.Year, v.Make)
		if err != nil {
			c.logger.Warn("Vehicle catalog lookup failed", "step", step, "error", err)
			return reject(StepModel, "could not confirm model", nil)
		}
		canonical, ok := matchOption(models, value)
		if !ok {
			return reject(StepModel, fmt.Sprintf("unknown %s model for %d", v.Make, *v.Year), models)
		}
		return StepResult{Accepted: true, NextStep: StepTrim}, domain.Vehicle{Year: v.Year, Make: v.Make, Model: canonical, VIN: v.VIN}

	default: // StepTrim
		if v.Year == nil {
			return reject(StepYear, "year required before trim", nil)
		}
		if v.Make == "" {
			return reject(StepMake, "make required before trim", nil)
		}
		if v.Model == "" {
			return reject(StepModel, "model required before trim", nil)
		}
		trims, err := c.catalog.Trims(ctx, *v.Year, v.Make, v.Model)
		if err != nil {
			c.logger.Warn("Vehicle catalog lookup failed", "step", step, "error", err)
			return reject(StepTrim, "could not confirm trim", nil)
		}
		canonical, ok := matchOption(trims, value)
		if !ok {
			return reject(StepTrim, fmt.Sprintf("unknown trim for %d %s %s", *v.Year, v.Make, v.Model), trims)
		}
		next := v
		next.Trim = canonical
		return StepResult{Accepted: true}, next
	}
}

// carryForward re-checks the later steps of prev under the prefix just
// accepted in next and keeps each one still offered, stopping at the first
// that is not.
func (c *Collector) carryForward(ctx context.Context, prev, next domain.Vehicle, step Step) domain.Vehicle {
	if next.Year == nil {
		return next
	}
	if step == StepYear && prev.Make != "" {
		makes, err := c.catalog.Makes(ctx, *next.Year)
		canonical, ok := matchOption(makes, prev.Make)
		if err != nil || !ok {
			return next
		}
		next.Make = canonical
		step = StepMake
	}
	if step == StepMake && prev.Model != "" {
		models, err := c.catalog.Models(ctx, *next.Year, next.Make)
		canonical, ok := matchOption(models, prev.Model)
		if err != nil || !ok {
			return next
		}
		next.Model = canonical
		step = StepModel
	}
	if step == StepModel && prev.Trim != "" {
		trims, err := c.catalog.Trims(ctx, *next.Year, next.Make, next.Model)
		canonical, ok := matchOption(trims, prev.Trim)
		if err != nil || !ok {
			return next
		}
		next.Trim = canonical
	}
	return next
}

func nextMissing(v domain.Vehicle) Step {
	switch {
	case v.Year == nil:
		return StepYear
	case v.Make == "":
		return StepMake
	case v.Model == "":
		return StepModel
	case v.Trim == "":
		return StepTrim
	}
	return ""
}
