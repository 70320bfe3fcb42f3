package extract

import (
	"net/mail"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/quotevoice/internal/domain"
)

// Field names used in Rule.Field.
const (
	FieldFirstName        = "personalInfo.firstName"
	FieldLastName         = "personalInfo.lastName"
	FieldEmail            = "personalInfo.email"
	FieldPhone            = "personalInfo.phone"
	FieldAddress          = "personalInfo.address"
	FieldZipCode          = "personalInfo.zipCode"
	FieldGender           = "personalInfo.gender"
	FieldMaritalStatus    = "personalInfo.maritalStatus"
	FieldHomeOwnership    = "personalInfo.homeOwnership"
	FieldMilitary         = "personalInfo.military"
	FieldDateOfBirth      = "personalInfo.dateOfBirth"
	FieldVehicles         = "vehicleInfo.vehicles"
	FieldVIN              = "vehicleInfo.vin"
	FieldOwnership        = "vehicleInfo.ownership"
	FieldPrimaryUse       = "vehicleInfo.primaryUse"
	FieldAnnualMileage    = "vehicleInfo.annualMileage"
	FieldCurrentlyInsured = "coveragePrefs.currentlyInsured"
	FieldCurrentInsurer   = "coveragePrefs.currentInsurer"
	FieldPurpose          = "coveragePrefs.insurancePurpose"
	FieldCoverageLevel    = "coveragePrefs.coverageLevel"
	FieldDeductible       = "coveragePrefs.deductible"
	FieldStartDate        = "coveragePrefs.desiredStartDate"
	FieldLicenseStatus    = "drivingHistory.licenseStatus"
	FieldYearsLicensed    = "drivingHistory.yearsLicensed"
	FieldAccidents        = "drivingHistory.accidents"
	FieldViolations       = "drivingHistory.violations"
	FieldClaims           = "drivingHistory.claims"
	FieldDUIConvictions   = "drivingHistory.duiConvictions"
)

var (
	userOnly    = []domain.Role{domain.RoleUser}
	anyDialogue = []domain.Role{domain.RoleUser, domain.RoleAgent}
)

// Rule is one field of the extraction catalogue. Patterns are tried in order
// and the first match that Normalize accepts wins.
type Rule struct {
	Field string
	// Roles limits which speakers the rule applies to. Empty means any role.
	Roles    []domain.Role
	Patterns []*regexp.Regexp
	// Normalize canonicalizes the capture groups of a match and writes the
	// value into patch. It returns false, leaving patch untouched, when the
	// capture is not well formed.
	Normalize func(groups []string, patch *domain.Application) bool
	// All keeps applying Normalize to every match of the winning pattern
	// instead of stopping at the first.
	All bool
}

func (r Rule) allows(role domain.Role) bool {
	return len(r.Roles) == 0 || slices.Contains(r.Roles, role)
}

// apply runs the rule against text and reports whether it set anything.
func (r Rule) apply(text string, patch *domain.Application) bool {
	for _, re := range r.Patterns {
		matched := false
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if !r.Normalize(m[1:], patch) {
				continue
			}
			matched = true
			if !r.All {
				return true
			}
		}
		if matched {
			return true
		}
	}
	return false
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

const (
	namePrefix = `(?i:my name is|my name's|this is|call me)`
	fullName   = `\s+([A-Z][a-zA-Z'-]+)(?:\s+([A-Z][a-zA-Z'-]+))?`

	monthAlternation = `january|february|march|april|may|june|july|august|september|sept|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|oct|nov|dec`
	isoDate          = `(\d{4})-(\d{1,2})-(\d{1,2})`
	numericDate      = `(\d{1,2})[/.-](\d{1,2})[/.-](\d{4})`
	spokenDate       = `(` + monthAlternation + `)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})`

	streetSuffix = `street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way|place|pl|terrace|circle|cir|parkway|pkwy|highway|hwy`
)

func datePatterns(prefix string) []*regexp.Regexp {
	return compile(
		`(?i)`+prefix+`\s+`+isoDate,
		`(?i)`+prefix+`\s+`+numericDate,
		`(?i)`+prefix+`\s+`+spokenDate,
	)
}

var emailRE = regexp.MustCompile(`^[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}$`)

var makes = map[string]string{
	"acura": "Acura", "audi": "Audi", "bmw": "BMW", "buick": "Buick",
	"cadillac": "Cadillac", "chevrolet": "Chevrolet", "chevy": "Chevrolet",
	"chrysler": "Chrysler", "dodge": "Dodge", "fiat": "Fiat", "ford": "Ford",
	"genesis": "Genesis", "gmc": "GMC", "honda": "Honda", "hyundai": "Hyundai",
	"infiniti": "Infiniti", "jaguar": "Jaguar", "jeep": "Jeep", "kia": "Kia",
	"land rover": "Land Rover", "lexus": "Lexus", "lincoln": "Lincoln",
	"mazda": "Mazda", "mercedes": "Mercedes-Benz", "mercedes-benz": "Mercedes-Benz",
	"mini": "MINI", "mitsubishi": "Mitsubishi", "nissan": "Nissan",
	"pontiac": "Pontiac", "porsche": "Porsche", "ram": "Ram", "saturn": "Saturn",
	"subaru": "Subaru", "tesla": "Tesla", "toyota": "Toyota",
	"volkswagen": "Volkswagen", "vw": "Volkswagen", "volvo": "Volvo",
}

// modelStopWords are tokens that follow a make in speech but are not models.
var modelStopWords = map[string]bool{
	"and": true, "with": true, "that": true, "which": true, "is": true, "it": true,
	"i": true, "but": true, "or": true, "for": true, "as": true, "too": true,
	"also": true, "car": true, "truck": true, "suv": true, "van": true, "the": true,
	"a": true, "my": true, "we": true, "she": true, "he": true, "in": true, "on": true,
}

var knownInsurers = map[string]string{
	"state farm": "State Farm", "geico": "GEICO", "progressive": "Progressive",
	"allstate": "Allstate", "usaa": "USAA", "liberty mutual": "Liberty Mutual",
	"nationwide": "Nationwide", "travelers": "Travelers", "american family": "American Family",
	"esurance": "Esurance", "safeco": "Safeco", "amica": "Amica", "the hartford": "The Hartford",
	"erie insurance": "Erie Insurance", "farmers insurance": "Farmers Insurance",
}

func alternation[V any](table map[string]V) string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})
	return strings.Join(keys, "|")
}

func setFromTable(dst func(p *domain.Application) *string, table map[string]string) func([]string, *domain.Application) bool {
	return func(g []string, p *domain.Application) bool {
		v, ok := lookup(table, g[0])
		if !ok {
			return false
		}
		*dst(p) = v
		return true
	}
}

func setFromStems(dst func(p *domain.Application) *string, stems [][2]string) func([]string, *domain.Application) bool {
	return func(g []string, p *domain.Application) bool {
		v, ok := firstMatchingPrefix(stems, g[0])
		if !ok {
			return false
		}
		*dst(p) = v
		return true
	}
}

func setInt(dst func(p *domain.Application) **int, lo, hi int) func([]string, *domain.Application) bool {
	return func(g []string, p *domain.Application) bool {
		n, ok := parseNumberIn(g[0], lo, hi)
		if !ok {
			return false
		}
		*dst(p) = domain.Ptr(n)
		return true
	}
}

func setDate(dst func(p *domain.Application) *string) func([]string, *domain.Application) bool {
	return func(g []string, p *domain.Application) bool {
		if len(g) < 3 {
			return false
		}
		d, ok := parseDate(g[0], g[1], g[2])
		if !ok {
			return false
		}
		*dst(p) = d
		return true
	}
}

// countRule builds a driving-history counter: explicit denials map to zero,
// otherwise a number in front of the noun is captured.
func countRule(field, noun, denials string, dst func(p *domain.Application) **int) Rule {
	return Rule{
		Field: field,
		Roles: userOnly,
		Patterns: compile(
			`(?i)\b(?:`+denials+`)\s+(?:any\s+|an\s+|a\s+|single\s+)?`+noun+`\b()`,
			`(?i)\b`+numberPattern+`\s+`+noun+`\b`,
		),
		Normalize: func(g []string, p *domain.Application) bool {
			if g[0] == "" {
				*dst(p) = domain.Ptr(0)
				return true
			}
			return setInt(dst, 0, 20)(g, p)
		},
	}
}

// DefaultRules returns the built-in extraction catalogue in priority order.
func DefaultRules() []Rule {
	personal := func(p *domain.Application) *domain.PersonalInfo { return &p.PersonalInfo }
	vehicle := func(p *domain.Application) *domain.VehicleInfo { return &p.VehicleInfo }
	coverage := func(p *domain.Application) *domain.CoveragePrefs { return &p.CoveragePrefs }
	driving := func(p *domain.Application) *domain.DrivingHistory { return &p.DrivingHistory }

	return []Rule{
		{
			Field: FieldFirstName,
			Roles: userOnly,
			Patterns: compile(
				namePrefix+fullName,
				`(?i:first name is)\s+([A-Za-z][A-Za-z'-]+)`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				personal(p).FirstName = properName(g[0])
				return true
			},
		},
		{
			Field: FieldLastName,
			Roles: userOnly,
			Patterns: compile(
				`(?i:last name is|surname is|family name is)\s+([A-Za-z][A-Za-z'-]+)`,
				namePrefix+`\s+[A-Z][a-zA-Z'-]+\s+([A-Z][a-zA-Z'-]+)`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				personal(p).LastName = properName(g[0])
				return true
			},
		},
		{
			Field: FieldEmail,
			Roles: anyDialogue,
			Patterns: compile(
				`\b([A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,})\b`,
				`(?i)\b([a-z0-9._-]+(?:\s+dot\s+[a-z0-9_-]+)*)\s+at\s+([a-z0-9-]+(?:\s+dot\s+[a-z0-9-]+)+)\b`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				addr := g[0]
				if len(g) > 1 && g[1] != "" {
					spoken := func(s string) string {
						return strings.Join(strings.Fields(strings.ReplaceAll(strings.ToLower(s), " dot ", ".")), "")
					}
					addr = spoken(g[0]) + "@" + spoken(g[1])
				}
				addr = strings.ToLower(addr)
				if !emailRE.MatchString(addr) {
					return false
				}
				if _, err := mail.ParseAddress(addr); err != nil {
					return false
				}
				personal(p).Email = addr
				return true
			},
		},
		{
			Field:    FieldPhone,
			Roles:    userOnly,
			Patterns: compile(`(?:^|\D)(?:\+?1[\s.-]?)?\(?(\d{3})\)?[\s.-]?(\d{3})[\s.-]?(\d{4})(?:$|\D)`),
			Normalize: func(g []string, p *domain.Application) bool {
				if g[0][0] < '2' {
					return false
				}
				personal(p).Phone = g[0] + "-" + g[1] + "-" + g[2]
				return true
			},
		},
		{
			Field: FieldAddress,
			Roles: userOnly,
			Patterns: compile(
				`(?i:live at|my address is|address is|located at|reside at)\s+(\d{1,6}\s+(?:[A-Za-z0-9.'-]+\s+){0,4}?(?i:` + streetSuffix + `))\b`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				personal(p).Address = strings.Join(strings.Fields(g[0]), " ")
				return true
			},
		},
		{
			Field: FieldZipCode,
			Roles: userOnly,
			Patterns: compile(
				`(?i:zip(?:\s*code)?|postal code)(?:\s+is)?[\s:]*(\d{5})(?:-\d{4})?\b`,
				`\b[A-Z]{2},?\s+(\d{5})(?:-\d{4})?\b`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				personal(p).ZipCode = g[0]
				return true
			},
		},
		{
			Field: FieldGender,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\bgender(?:\s+is)?[\s:]+(male|female|man|woman|non-?binary|other)\b`,
				`(?i)\b(?:i am|i'm|i identify as)\s+(?:a\s+)?(male|female|man|woman|guy|gal|non-?binary)\b`,
			),
			Normalize: setFromTable(func(p *domain.Application) *string { return &personal(p).Gender }, map[string]string{
				"male": "male", "man": "male", "guy": "male",
				"female": "female", "woman": "female", "gal": "female",
				"nonbinary": "non-binary", "non-binary": "non-binary", "other": "other",
			}),
		},
		{
			Field: FieldMaritalStatus,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(never (?:been )?married)\b`,
				`(?i)\bmarital status(?:\s+is)?[\s:]+(single|married|divorced|widowed|separated|domestic partner(?:ship)?)\b`,
				`(?i)\b(?:i am|i'm|i've been|i have been|we are|we're|we've been)\s+(?:currently\s+|happily\s+|recently\s+|now\s+)?(single|married|divorced|widowed|separated|engaged|a widow(?:er)?)\b`,
				`(?i)\bmy (wife|husband|spouse)\b`,
			),
			Normalize: setFromTable(func(p *domain.Application) *string { return &personal(p).MaritalStatus }, map[string]string{
				"never married": "single", "never been married": "single",
				"single": "single", "engaged": "single",
				"married": "married", "wife": "married", "husband": "married", "spouse": "married",
				"domestic partner": "married", "domestic partnership": "married",
				"divorced": "divorced", "separated": "separated",
				"widowed": "widowed", "a widow": "widowed", "a widower": "widowed",
			}),
		},
		{
			Field: FieldHomeOwnership,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(?:i|we)\s+(own|rent|lease)\s+(?:my\s+|our\s+|an?\s+|the\s+)?(?:own\s+)?(?:home|house|condo|apartment|townhouse|place)\b`,
				`(?i)\b(homeowner|home owner|renter|renting|live with (?:my )?(?:parents|family))\b`,
			),
			Normalize: setFromStems(func(p *domain.Application) *string { return &personal(p).HomeOwnership }, [][2]string{
				{"own", "own"}, {"home", "own"},
				{"rent", "rent"}, {"lease", "rent"},
				{"live with", "other"},
			}),
		},
		{
			Field: FieldMilitary,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(never served|not a veteran|not in the military|no military|haven't served|have not served|did not serve|didn't serve)\b`,
				`(?i)\b(i served|i'm a veteran|i am a veteran|i'm active duty|i am active duty|veteran of|served in the (?:army|navy|air force|marines|marine corps|military|coast guard|national guard))\b`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				s := strings.ToLower(g[0])
				negative := strings.HasPrefix(s, "never") || strings.HasPrefix(s, "not") ||
					strings.HasPrefix(s, "no ") || strings.Contains(s, "n't") || strings.Contains(s, " not ")
				personal(p).Military = domain.Ptr(!negative)
				return true
			},
		},
		{
			Field:     FieldDateOfBirth,
			Roles:     userOnly,
			Patterns:  datePatterns(`\b(?:born on|born|birthday is|date of birth is|dob is|birth date is|birthdate is)(?:\s+on)?`),
			Normalize: setDate(func(p *domain.Application) *string { return &personal(p).DateOfBirth }),
		},
		{
			Field: FieldVehicles,
			Roles: anyDialogue,
			All:   true,
			Patterns: compile(
				`(?i)\b((?:19|20)\d{2})\s+(` + alternation(makes) + `)\b(?:\s+([A-Za-z0-9][A-Za-z0-9-]*))?`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				year, err := strconv.Atoi(g[0])
				if err != nil || !domain.ValidVehicleYear(year, time.Now()) {
					return false
				}
				mk, ok := lookup(makes, g[1])
				if !ok {
					return false
				}
				v := domain.Vehicle{Year: domain.Ptr(year), Make: mk}
				if model := g[2]; model != "" && !modelStopWords[strings.ToLower(model)] {
					v.Model = modelName(model)
				}
				vi := vehicle(p)
				if slices.ContainsFunc(vi.Vehicles, func(e domain.Vehicle) bool { return e.Key() == v.Key() }) {
					return true
				}
				if len(vi.Vehicles) >= domain.MaxVehicles {
					return false
				}
				vi.Vehicles = append(vi.Vehicles, v)
				return true
			},
		},
		{
			Field:    FieldVIN,
			Roles:    anyDialogue,
			Patterns: compile(`(?i)\b([A-HJ-NPR-Z0-9]{17})\b`),
			Normalize: func(g []string, p *domain.Application) bool {
				vin := strings.ToUpper(g[0])
				if !strings.ContainsAny(vin, "0123456789") || strings.Trim(vin, "0123456789") == "" {
					return false
				}
				vehicle(p).VIN = vin
				return true
			},
		},
		{
			Field: FieldOwnership,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(?:car|vehicle|truck|it)(?:'s|\s+is)\s+(owned|leased|financed|paid off)\b`,
				`(?i)\b(?:i|we)\s+(own|lease|leased|finance|financed|am financing|are financing|am leasing|are leasing)\s+(?:it|the car|my car|the vehicle|the truck|this car)\b`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				s := strings.ToLower(g[0])
				switch {
				case strings.Contains(s, "own"), strings.Contains(s, "paid"):
					vehicle(p).Ownership = "owned"
				case strings.Contains(s, "leas"):
					vehicle(p).Ownership = "leased"
				case strings.Contains(s, "financ"):
					vehicle(p).Ownership = "financed"
				default:
					return false
				}
				return true
			},
		},
		{
			Field: FieldPrimaryUse,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\bprimary use\s+(?:is\s+)?(?:for\s+)?(commut\w*|business|work|pleasure|personal|rideshare|farm\w*)`,
				`(?i)\b(?:use|using|drive)\s+(?:it\s+|the car\s+|my car\s+|the vehicle\s+|the truck\s+)?(?:mostly\s+|mainly\s+|primarily\s+|just\s+)?(?:for|to)\s+(commut\w*|work|business|pleasure|personal|errands|rideshare|uber|lyft|doordash|deliver\w*|farm\w*)`,
				`(?i)\b(commut\w*)\s+to\s+(?:work|school)\b`,
			),
			Normalize: setFromStems(func(p *domain.Application) *string { return &vehicle(p).PrimaryUse }, [][2]string{
				{"commut", "commute"}, {"work", "commute"},
				{"business", "business"}, {"deliver", "business"}, {"doordash", "business"},
				{"pleasure", "pleasure"}, {"personal", "pleasure"}, {"errands", "pleasure"},
				{"rideshare", "rideshare"}, {"uber", "rideshare"}, {"lyft", "rideshare"},
				{"farm", "farm"},
			}),
		},
		{
			Field: FieldAnnualMileage,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\bannual mileage\s+(?:is\s+)?(?:about\s+|around\s+|roughly\s+)?`+numberPattern,
				`(?i)\b`+numberPattern+`\s+miles?\s+(?:a|per|each|every)\s+year\b`,
			),
			Normalize: setInt(func(p *domain.Application) **int { return &vehicle(p).AnnualMileage }, 100, 150000),
		},
		{
			Field: FieldCurrentlyInsured,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b((?:i'm|i am|we're|we are)\s+not\s+(?:currently\s+)?(?:insured|covered)|(?:i|we)\s+(?:don't|do not)\s+(?:currently\s+)?have\s+(?:any\s+)?(?:car\s+|auto\s+)?(?:insurance|coverage)|(?:no|without)\s+(?:current\s+)?(?:car\s+|auto\s+)?(?:insurance|coverage)|(?:policy|coverage|insurance)\s+(?:lapsed|expired))\b`,
				`(?i)\b((?:i'm|i am|we're|we are)\s+(?:currently\s+)?(?:insured|covered)|(?:i|we)\s+(?:currently\s+)?(?:have|got)\s+(?:car\s+|auto\s+)?(?:insurance|coverage)|current\s+(?:insurer|insurance company|provider|carrier)\s+is)\b`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				s := strings.ToLower(g[0])
				insured := !(strings.Contains(s, "not") || strings.Contains(s, "n't") ||
					strings.HasPrefix(s, "no ") || strings.HasPrefix(s, "without") ||
					strings.Contains(s, "lapsed") || strings.Contains(s, "expired"))
				coverage(p).CurrentlyInsured = domain.Ptr(insured)
				return true
			},
		},
		{
			Field: FieldCurrentInsurer,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(`+alternation(knownInsurers)+`)\b`,
				`(?i:insured|covered|a policy|insurance)\s+(?i:with|through|by)\s+([A-Z][A-Za-z&.'-]*(?:\s+[A-Z][A-Za-z&.'-]*){0,3})`,
				`(?i:current (?:insurer|insurance company|provider|carrier) is)\s+([A-Za-z][A-Za-z&.'-]*(?:\s+[A-Z][A-Za-z&.'-]*){0,3})`,
			),
			Normalize: func(g []string, p *domain.Application) bool {
				if v, ok := lookup(knownInsurers, g[0]); ok {
					coverage(p).CurrentInsurer = v
					return true
				}
				name := strings.TrimRight(strings.Join(strings.Fields(g[0]), " "), ".")
				switch strings.ToLower(name) {
				case "", "nobody", "none", "anyone", "no one", "anybody":
					return false
				}
				coverage(p).CurrentInsurer = name
				return true
			},
		},
		{
			Field: FieldPurpose,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(new (?:car|vehicle|truck)|just (?:bought|purchased|got) (?:a|my|the)|buying a|switch(?:ing)?|shopping around|better (?:rate|price|deal)|cheaper|sav(?:e|ing) money|lower (?:my )?(?:rate|premium|price)|first (?:car|policy|time)|renew(?:al|ing)?|(?:policy|coverage) (?:is )?(?:expiring|ending|up)|moving|moved|relocat\w*)\b`,
			),
			Normalize: setFromStems(func(p *domain.Application) *string { return &coverage(p).InsurancePurpose }, [][2]string{
				{"new ", "new_vehicle"}, {"just ", "new_vehicle"}, {"buying", "new_vehicle"},
				{"switch", "switching"}, {"shopping", "switching"},
				{"better", "lower_price"}, {"cheaper", "lower_price"}, {"sav", "lower_price"}, {"lower", "lower_price"},
				{"first", "first_policy"},
				{"renew", "renewal"}, {"policy", "renewal"}, {"coverage", "renewal"},
				{"mov", "moving"}, {"relocat", "moving"},
			}),
		},
		{
			Field: FieldCoverageLevel,
			Roles: anyDialogue,
			Patterns: compile(
				`(?i)\b(state minimum|minimum|basic|liability[- ]only|standard|full|comprehensive|premium|maximum)\s+(?:coverage|plan|policy|protection)\b`,
			),
			Normalize: setFromStems(func(p *domain.Application) *string { return &coverage(p).CoverageLevel }, [][2]string{
				{"state", "minimum"}, {"minimum", "minimum"}, {"basic", "minimum"}, {"liability", "minimum"},
				{"standard", "standard"},
				{"full", "full"}, {"comprehensive", "full"}, {"premium", "full"}, {"maximum", "full"},
			}),
		},
		{
			Field: FieldDeductible,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\$?\b`+numberPattern+`\s*(?:dollars?\s+|dollar\s+)?deductible\b`,
				`(?i)\bdeductible\s+(?:of\s+|is\s+|at\s+|would be\s+|should be\s+)?(?:about\s+|around\s+)?\$?`+numberPattern,
			),
			Normalize: setInt(func(p *domain.Application) **int { return &coverage(p).Deductible }, 0, 10000),
		},
		{
			Field:     FieldStartDate,
			Roles:     userOnly,
			Patterns:  datePatterns(`\b(?:start(?:ing)?|begin(?:ning)?|effective)(?:\s+date)?(?:\s+(?:is|on|by|of))?`),
			Normalize: setDate(func(p *domain.Application) *string { return &coverage(p).DesiredStartDate }),
		},
		{
			Field: FieldLicenseStatus,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(?:driver'?s\s+)?license\s+is\s+(?:currently\s+)?(valid|active|current|suspended|revoked|expired|clean)\b`,
				`(?i)\b(?:i have|i've got|i hold)\s+(?:a\s+)?(valid|active|clean|learner'?s|provisional|suspended|foreign|international)\s+(?:driver'?s\s+)?(?:license|licence|permit)\b`,
			),
			Normalize: setFromStems(func(p *domain.Application) *string { return &driving(p).LicenseStatus }, [][2]string{
				{"valid", "valid"}, {"active", "valid"}, {"current", "valid"}, {"clean", "valid"},
				{"suspended", "suspended"}, {"revoked", "revoked"}, {"expired", "expired"},
				{"learner", "permit"}, {"provisional", "permit"},
				{"foreign", "foreign"}, {"international", "foreign"},
			}),
		},
		{
			Field: FieldYearsLicensed,
			Roles: userOnly,
			Patterns: compile(
				`(?i)\b(?:driving|licensed)\s+(?:for\s+)?(?:about\s+|around\s+|over\s+|almost\s+)?`+numberPattern+`\s+years?\b`,
				`(?i)\bhad\s+(?:my|a)\s+(?:driver'?s\s+)?license\s+(?:for\s+)?(?:about\s+|around\s+)?`+numberPattern+`\s+years?\b`,
			),
			Normalize: setInt(func(p *domain.Application) **int { return &driving(p).YearsLicensed }, 0, 80),
		},
		countRule(FieldAccidents,
			`(?:at[- ]fault\s+|car\s+|minor\s+|major\s+)?accidents?`,
			`never\s+(?:had|been\s+in|gotten\s+into)|haven't\s+(?:had|been\s+in)|have\s+not\s+(?:had|been\s+in)|no`,
			func(p *domain.Application) **int { return &driving(p).Accidents }),
		countRule(FieldViolations,
			`(?:moving\s+|traffic\s+|speeding\s+)?(?:violations?|tickets?|citations?)`,
			`never\s+(?:had|gotten|got|received)|haven't\s+(?:had|gotten|got)|have\s+not\s+(?:had|gotten)|no`,
			func(p *domain.Application) **int { return &driving(p).Violations }),
		countRule(FieldClaims,
			`(?:insurance\s+|auto\s+)?claims?`,
			`never\s+(?:filed|made|had|submitted)|haven't\s+(?:filed|made|had)|have\s+not\s+(?:filed|made|had)|no`,
			func(p *domain.Application) **int { return &driving(p).Claims }),
		countRule(FieldDUIConvictions,
			`(?:dui|dwi|owi)s?(?:\s+convictions?)?`,
			`never\s+(?:had|gotten|got|been\s+convicted\s+of)|no`,
			func(p *domain.Application) **int { return &driving(p).DUIConvictions }),
	}
}
