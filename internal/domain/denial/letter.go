package denial

import (
	"bytes"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/ehr/rcm/internal/domain/claim"
	"github.com/ehr/rcm/internal/platform/apperr"
)

// requiredFields lists the clinical fields each category's letter cannot do
// without, beyond the claim data every letter needs.
var requiredFields = map[Category][]string{
	CategoryAuthorization: {"authorization_number"},
	CategoryCoding:        {"clinical_justification"},
	CategoryBundling:      {"clinical_justification"},
	CategoryTimelyFiling:  {"original_submission_date"},
	CategoryEligibility:   {"coverage_verification"},
}

const letterHeader = `{{.Recipient}}

Re: {{.Subject}}
Patient account: {{.AccountID}}
Claim: {{.ClaimID}}{{if .PayerClaimRef}} (payer reference {{.PayerClaimRef}}){{end}}
Date of service: {{.ServiceDate}}
Denial reason codes: {{join .ReasonCodes ", "}}

Services in dispute:
{{range .Lines}}  Line {{.LineNumber}}: {{.ProcedureCode}}{{if .Modifiers}}-{{join .Modifiers "-"}}{{end}} for diagnoses {{join .DiagnosisCodes ", "}}, billed {{.Charge.StringFixed 2}}
{{end}}
`

const letterFooter = `{{with index .Fields "notes"}}
Additional information: {{.}}
{{end}}
We ask that you reconsider this claim and reprocess it for payment. Please contact our billing office with any questions.

Sincerely,
Billing Department
`

var letterBodies = map[Category]string{
	CategoryAuthorization: `We are requesting a {{.AppealType}} appeal of the denial for missing or invalid authorization.
The services were authorized before they were rendered under authorization number {{index .Fields "authorization_number"}}.
`,
	CategoryCoding: `We are requesting a {{.AppealType}} appeal of the denial on coding or documentation grounds.
The procedure and diagnosis codes billed are supported by the medical record: {{index .Fields "clinical_justification"}}
`,
	CategoryBundling: `We are requesting a {{.AppealType}} appeal of the bundling denial.
The services were distinct and separately identifiable: {{index .Fields "clinical_justification"}}
`,
	CategoryTimelyFiling: `We are requesting a {{.AppealType}} appeal of the timely filing denial.
The claim was originally submitted on {{index .Fields "original_submission_date"}}, within the filing limit, as shown by the enclosed acceptance report.
`,
	CategoryEligibility: `We are requesting a {{.AppealType}} appeal of the eligibility denial.
Coverage was verified for the date of service: {{index .Fields "coverage_verification"}}
`,
	CategoryOther: `We are requesting a {{.AppealType}} appeal of the denial of this claim.
We believe the services were covered and correctly billed.
`,
}

var letterTemplates = func() map[Category]*template.Template {
	funcs := template.FuncMap{"join": strings.Join}
	out := make(map[Category]*template.Template, len(letterBodies))
	for cat, body := range letterBodies {
		out[cat] = template.Must(template.New(string(cat)).Funcs(funcs).Parse(letterHeader + body + letterFooter))
	}
	return out
}()

type letterData struct {
	Recipient     string
	Subject       string
	AccountID     string
	ClaimID       string
	PayerClaimRef string
	ServiceDate   string
	ReasonCodes   []string
	Lines         []claim.LineItem
	AppealType    AppealType
	Fields        map[string]string
}

// missingFields checks the claim data and category fields a letter needs.
func missingFields(c *claim.Claim, cat Category, fields map[string]string) []string {
	var missing []string
	if c.PayerID == "" {
		missing = append(missing, "payer_id")
	}
	if c.ServiceDate == nil {
		missing = append(missing, "service_date")
	}
	if len(c.Lines) == 0 {
		missing = append(missing, "line_items")
	}
	for _, l := range c.Lines {
		if l.ProcedureCode == "" {
			missing = append(missing, "procedure_code")
			break
		}
	}
	for _, l := range c.Lines {
		if len(l.DiagnosisCodes) == 0 {
			missing = append(missing, "diagnosis_codes")
			break
		}
	}
	for _, f := range requiredFields[cat] {
		if strings.TrimSpace(fields[f]) == "" {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

// renderLetter builds the appeal letter or returns InsufficientDataError
// naming every missing field.
func renderLetter(c *claim.Claim, d *Denial, cat Category, appealType AppealType, codes []string, fields map[string]string) (Letter, error) {
	if missing := missingFields(c, cat, fields); len(missing) > 0 {
		return Letter{}, &apperr.InsufficientDataError{Missing: missing}
	}
	payer := c.PayerName
	if payer == "" {
		payer = c.PayerID
	}
	lines := c.Lines
	if d.LineNumber != nil {
		if l, ok := c.Line(*d.LineNumber); ok {
			lines = []claim.LineItem{*l}
		}
	}
	data := letterData{
		Recipient:     "Appeals Department, " + payer,
		Subject:       "Appeal of denied claim " + c.ID.String(),
		AccountID:     c.AccountID.String(),
		ClaimID:       c.ID.String(),
		PayerClaimRef: c.ClearinghouseID,
		ServiceDate:   c.ServiceDate.Format(time.DateOnly),
		ReasonCodes:   codes,
		Lines:         lines,
		AppealType:    appealType,
		Fields:        fields,
	}
	var buf bytes.Buffer
	if err := letterTemplates[cat].Execute(&buf, data); err != nil {
		return Letter{}, err
	}
	return Letter{Subject: data.Subject, Body: buf.String(), Recipient: data.Recipient}, nil
}
