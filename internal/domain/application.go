package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// MaxVehicles is the number of vehicle records an application can hold.
	MaxVehicles = 2
	// MinVehicleYear is the oldest model year accepted for a vehicle.
	MinVehicleYear = 1987
)

// ValidVehicleYear reports whether year is between MinVehicleYear and next
// year's models, relative to now.
func ValidVehicleYear(year int, now time.Time) bool {
	return year >= MinVehicleYear && year <= now.Year()+1
}

// Application is the insurance quote form filled during a session.
//
// Every leaf is optional. Empty strings and nil pointers mean "not provided",
// which lets a partial Application double as a patch.
type Application struct {
	PersonalInfo     PersonalInfo     `json:"personalInfo"`
	VehicleInfo      VehicleInfo      `json:"vehicleInfo"`
	CoveragePrefs    CoveragePrefs    `json:"coveragePrefs"`
	DrivingHistory   DrivingHistory   `json:"drivingHistory"`
	CompletionStatus CompletionStatus `json:"completionStatus"`
}

// PersonalInfo holds applicant details.
type PersonalInfo struct {
	FirstName     string `json:"firstName,omitempty"`
	LastName      string `json:"lastName,omitempty"`
	DateOfBirth   string `json:"dateOfBirth,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	ZipCode       string `json:"zipCode,omitempty"`
	Gender        string `json:"gender,omitempty"`
	MaritalStatus string `json:"maritalStatus,omitempty"`
	HomeOwnership string `json:"homeOwnership,omitempty"`
	Military      *bool  `json:"military,omitempty"`
}

// Vehicle is one vehicle record. Validated is set once any of its steps
// went through the reference catalogue.
type Vehicle struct {
	Year      *int   `json:"year,omitempty"`
	Make      string `json:"make,omitempty"`
	Model     string `json:"model,omitempty"`
	Trim      string `json:"trim,omitempty"`
	VIN       string `json:"vin,omitempty"`
	Validated bool   `json:"validated,omitempty"`
}

// Key is the normalized "year make model" identity used for duplicate suppression.
func (v Vehicle) Key() string {
	var year string
	if v.Year != nil {
		year = fmt.Sprint(*v.Year)
	}
	return strings.ToLower(strings.Join(strings.Fields(year+" "+v.Make+" "+v.Model), " "))
}

// Empty reports whether no field of the vehicle is set.
func (v Vehicle) Empty() bool {
	return v.Year == nil && v.Make == "" && v.Model == "" && v.Trim == "" && v.VIN == ""
}

// VehicleInfo describes the primary vehicle plus the per-vehicle records.
type VehicleInfo struct {
	Year          *int      `json:"year,omitempty"`
	Make          string    `json:"make,omitempty"`
	Model         string    `json:"model,omitempty"`
	Trim          string    `json:"trim,omitempty"`
	VIN           string    `json:"vin,omitempty"`
	Ownership     string    `json:"ownership,omitempty"`
	PrimaryUse    string    `json:"primaryUse,omitempty"`
	AnnualMileage *int      `json:"annualMileage,omitempty"`
	Vehicles      []Vehicle `json:"vehicles,omitempty"`
}

// CoveragePrefs holds current coverage and what the applicant is shopping for.
type CoveragePrefs struct {
	CurrentlyInsured *bool  `json:"currentlyInsured,omitempty"`
	CurrentInsurer   string `json:"currentInsurer,omitempty"`
	InsurancePurpose string `json:"insurancePurpose,omitempty"`
	CoverageLevel    string `json:"coverageLevel,omitempty"`
	Deductible       *int   `json:"deductible,omitempty"`
	DesiredStartDate string `json:"desiredStartDate,omitempty"`
}

// DrivingHistory holds license status and incident counts.
type DrivingHistory struct {
	LicenseStatus  string `json:"licenseStatus,omitempty"`
	YearsLicensed  *int   `json:"yearsLicensed,omitempty"`
	Accidents      *int   `json:"accidents,omitempty"`
	Violations     *int   `json:"violations,omitempty"`
	Claims         *int   `json:"claims,omitempty"`
	DUIConvictions *int   `json:"duiConvictions,omitempty"`
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}

// Clone returns a copy that shares no mutable state with a.
func (a Application) Clone() Application {
	a.VehicleInfo.Vehicles = slices.Clone(a.VehicleInfo.Vehicles)
	return a
}

// Merge applies patch on top of a. Set leaves in patch win; absent leaves keep
// the existing value. Vehicles merge by slot index. Completion is recomputed.
func (a *Application) Merge(patch Application) {
	a.mergeCommon(patch)

	v := &a.VehicleInfo
	p := patch.VehicleInfo
	mergeString(&v.Make, p.Make)
	mergeString(&v.Model, p.Model)
	mergeString(&v.Trim, p.Trim)
	mergeString(&v.VIN, p.VIN)
	mergePtr(&v.Year, p.Year)
	for i, pv := range p.Vehicles {
		if i >= MaxVehicles {
			break
		}
		if i >= len(v.Vehicles) {
			v.Vehicles = append(v.Vehicles, Vehicle{})
		}
		v.Vehicles[i] = mergeVehicle(v.Vehicles[i], pv)
	}

	a.Recompute()
}

// MergeAdvisory applies a best-effort patch, such as one produced from free
// text. It behaves like Merge except that validated vehicle records (and the
// primary vehicle fields mirroring a validated first slot) are never changed,
// and patch vehicles are appended by first-seen order with duplicates dropped.
func (a *Application) MergeAdvisory(patch Application) {
	a.mergeCommon(patch)

	v := &a.VehicleInfo
	p := patch.VehicleInfo
	if len(v.Vehicles) == 0 || !v.Vehicles[0].Validated {
		mergeString(&v.Make, p.Make)
		mergeString(&v.Model, p.Model)
		mergeString(&v.Trim, p.Trim)
		mergeString(&v.VIN, p.VIN)
		mergePtr(&v.Year, p.Year)
	}

	for _, pv := range p.Vehicles {
		if pv.Empty() {
			continue
		}
		pv.Validated = false
		key := pv.Key()
		idx := slices.IndexFunc(v.Vehicles, func(existing Vehicle) bool {
			return key != "" && existing.Key() == key
		})
		if idx < 0 {
			// A slot left blank by a later validated slot is free.
			idx = slices.IndexFunc(v.Vehicles, func(existing Vehicle) bool {
				return existing.Empty() && !existing.Validated
			})
		}
		switch {
		case idx >= 0:
			if !v.Vehicles[idx].Validated {
				v.Vehicles[idx] = mergeVehicle(v.Vehicles[idx], pv)
			}
		case len(v.Vehicles) < MaxVehicles:
			v.Vehicles = append(v.Vehicles, pv)
		}
	}

	a.Recompute()
}

// Recompute refreshes CompletionStatus from the current fields.
func (a *Application) Recompute() {
	a.CompletionStatus = Score(*a)
}

func (a *Application) mergeCommon(patch Application) {
	pi := &a.PersonalInfo
	pp := patch.PersonalInfo
	mergeString(&pi.FirstName, pp.FirstName)
	mergeString(&pi.LastName, pp.LastName)
	mergeString(&pi.DateOfBirth, pp.DateOfBirth)
	mergeString(&pi.Email, pp.Email)
	mergeString(&pi.Phone, pp.Phone)
	mergeString(&pi.Address, pp.Address)
	mergeString(&pi.ZipCode, pp.ZipCode)
	mergeString(&pi.Gender, pp.Gender)
	mergeString(&pi.MaritalStatus, pp.MaritalStatus)
	mergeString(&pi.HomeOwnership, pp.HomeOwnership)
	mergePtr(&pi.Military, pp.Military)

	vi := &a.VehicleInfo
	vp := patch.VehicleInfo
	mergeString(&vi.Ownership, vp.Ownership)
	mergeString(&vi.PrimaryUse, vp.PrimaryUse)
	mergePtr(&vi.AnnualMileage, vp.AnnualMileage)

	c := &a.CoveragePrefs
	cp := patch.CoveragePrefs
	mergePtr(&c.CurrentlyInsured, cp.CurrentlyInsured)
	mergeString(&c.CurrentInsurer, cp.CurrentInsurer)
	mergeString(&c.InsurancePurpose, cp.InsurancePurpose)
	mergeString(&c.CoverageLevel, cp.CoverageLevel)
	mergePtr(&c.Deductible, cp.Deductible)
	mergeString(&c.DesiredStartDate, cp.DesiredStartDate)

	d := &a.DrivingHistory
	dp := patch.DrivingHistory
	mergeString(&d.LicenseStatus, dp.LicenseStatus)
	mergePtr(&d.YearsLicensed, dp.YearsLicensed)
	mergePtr(&d.Accidents, dp.Accidents)
	mergePtr(&d.Violations, dp.Violations)
	mergePtr(&d.Claims, dp.Claims)
	mergePtr(&d.DUIConvictions, dp.DUIConvictions)
}

func mergeVehicle(dst, patch Vehicle) Vehicle {
	mergePtr(&dst.Year, patch.Year)
	mergeString(&dst.Make, patch.Make)
	mergeString(&dst.Model, patch.Model)
	mergeString(&dst.Trim, patch.Trim)
	mergeString(&dst.VIN, patch.VIN)
	dst.Validated = dst.Validated || patch.Validated
	return dst
}

func mergeString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// mergePtr copies the pointee so the result never aliases the patch.
func mergePtr[T any](dst **T, v *T) {
	if v != nil {
		c := *v
		*dst = &c
	}
}
