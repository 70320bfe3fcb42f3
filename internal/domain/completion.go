package domain

// CompletionStatus is the percentage of expected fields populated per section.
type CompletionStatus struct {
	PersonalInfo   float64 `json:"personalInfo"`
	VehicleInfo    float64 `json:"vehicleInfo"`
	CoveragePrefs  float64 `json:"coveragePrefs"`
	DrivingHistory float64 `json:"drivingHistory"`
	Overall        float64 `json:"overall"`
}

// Score computes the completion status of a. It is pure and never looks at
// the CompletionStatus already stored on a.
func Score(a Application) CompletionStatus {
	p := a.PersonalInfo
	personal := percent(
		p.FirstName != "",
		p.LastName != "",
		p.DateOfBirth != "",
		p.Email != "",
		p.Phone != "",
		p.Address != "",
		p.ZipCode != "",
		p.Gender != "",
		p.MaritalStatus != "",
		p.HomeOwnership != "",
	)

	v := a.VehicleInfo
	var first Vehicle
	if len(v.Vehicles) > 0 {
		first = v.Vehicles[0]
	}
	vehicle := percent(
		v.Year != nil || first.Year != nil,
		v.Make != "" || first.Make != "",
		v.Model != "" || first.Model != "",
		v.Trim != "" || first.Trim != "",
		v.VIN != "" || first.VIN != "",
		v.Ownership != "",
		v.PrimaryUse != "",
		v.AnnualMileage != nil,
	)

	c := a.CoveragePrefs
	coverage := percent(
		c.CurrentlyInsured != nil,
		c.CurrentInsurer != "",
		c.InsurancePurpose != "",
		c.CoverageLevel != "",
		c.Deductible != nil,
		c.DesiredStartDate != "",
	)

	d := a.DrivingHistory
	driving := percent(
		d.LicenseStatus != "",
		d.YearsLicensed != nil,
		d.Accidents != nil,
		d.Violations != nil,
		d.Claims != nil,
		d.DUIConvictions != nil,
	)

	return CompletionStatus{
		PersonalInfo:   personal,
		VehicleInfo:    vehicle,
		CoveragePrefs:  coverage,
		DrivingHistory: driving,
		Overall:        (personal + vehicle + coverage + driving) / 4,
	}
}

func percent(present ...bool) float64 {
	if len(present) == 0 {
		return 0
	}
	n := 0
	for _, ok := range present {
		if ok {
			n++
		}
	}
	return float64(n) * 100 / float64(len(present))
}
