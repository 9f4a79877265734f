package clearinghouse

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func isaHeader() string {
	return fmt.Sprintf("ISA*00*%-10s*00*%-10s*ZZ*%-15s*ZZ*%-15s*260302*0900*^*00501*%09d*0*P*:~",
		"", "", "SENDER", "RECEIVER", 1)
}

func sample835(claimRef string) string {
	segs := []string{
		"GS*HP*SENDER*RECEIVER*20260302*0900*1*X*005010X221A1",
		"ST*835*0001",
		"BPR*I*150.00*C*ACH*CCP*01*999999999*DA*123456*1512345678**01*999988880*DA*98765*20260301",
		"TRN*1*ERA12345*1512345678",
		"N1*PR*AETNA*XV*60054",
		"N1*PE*RIVERSIDE CLINIC*XX*1234567890",
		"CLP*" + claimRef + "*1*200.00*150.00*30.00*12*PAYERCLM1",
		"CAS*CO*45*20.00",
		"CAS*PR*1*30.00",
		"AMT*AU*180.00",
		"SVC*HC:99213*200.00*150.00**1",
		"REF*6R*1",
		"AMT*B6*180.00",
		"CLP*CH00000009*4*100.00*0.00*0*12*PAYERCLM2",
		"CAS*CO*50*100.00",
		"SE*16*0001",
		"GE*1*1",
		"IEA*1*000000001",
	}
	return isaHeader() + strings.Join(segs, "~") + "~"
}

func TestParseX12(t *testing.T) {
	remits, err := ParseX12([]byte(sample835("6f1c2d3e-0000-4000-8000-000000000001")))
	require.NoError(t, err)
	require.Len(t, remits, 1)

	r := remits[0]
	assert.Equal(t, "ERA12345", r.BatchID)
	assert.Equal(t, "60054", r.PayerID)
	assert.Equal(t, "AETNA", r.PayerName)
	assert.Equal(t, "x12", r.Source)
	assert.True(t, r.TotalPaid.Equal(dec("150")))
	require.NotNil(t, r.PaymentDate)
	assert.Equal(t, "2026-03-01", r.PaymentDate.Format("2006-01-02"))
	require.Len(t, r.Records, 2)

	paid := r.Records[0]
	assert.Equal(t, 1, paid.Seq)
	assert.Equal(t, "6f1c2d3e-0000-4000-8000-000000000001", paid.ClaimRef)
	assert.Equal(t, "PAYERCLM1", paid.PayerClaimID)
	assert.True(t, paid.BilledAmount.Equal(dec("200")))
	assert.True(t, paid.AllowedAmount.Equal(dec("180")))
	assert.True(t, paid.PaidAmount.Equal(dec("150")))
	assert.True(t, paid.PatientResponsibility.Equal(dec("30")))
	assert.Len(t, paid.Adjustments, 2)
	require.Len(t, paid.Lines, 1)
	assert.Equal(t, 1, paid.Lines[0].LineNumber)
	assert.Equal(t, "99213", paid.Lines[0].ProcedureCode)
	assert.True(t, paid.Lines[0].AllowedAmount.Equal(dec("180")))

	denied := r.Records[1]
	assert.Equal(t, 2, denied.Seq)
	assert.Equal(t, "CH00000009", denied.ClaimRef)
	assert.True(t, denied.AllowedAmount.IsZero())
	assert.Equal(t, []string{"CO-50"}, denied.DenialCodes())
}

func TestParseX12_AlternateDelimiters(t *testing.T) {
	doc := sample835("REF1")
	doc = strings.NewReplacer("*", "|", ":", ">", "~", "\n").Replace(doc)
	remits, err := ParseX12([]byte(doc))
	require.NoError(t, err)
	require.Len(t, remits, 1)
	require.Len(t, remits[0].Records, 2)
	assert.Equal(t, "99213", remits[0].Records[0].Lines[0].ProcedureCode)
}

func TestParseX12_AllowedDefaultsToPaidPlusPatientShare(t *testing.T) {
	doc := isaHeader() + strings.Join([]string{
		"ST*835*0001",
		"CLP*REF9*2*100.00*60.00*25.00",
		"CAS*CO*45*15.00",
		"SE*3*0001",
	}, "~") + "~"
	remits, err := ParseX12([]byte(doc))
	require.NoError(t, err)
	require.Len(t, remits, 1)
	assert.Equal(t, "ISA-000000001-1", remits[0].BatchID)
	assert.True(t, remits[0].Records[0].AllowedAmount.Equal(dec("85")))
}

func TestParseX12_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"short header", "ISA*00*"},
		{"not an 835", isaHeader() + "ST*837*0001~SE*1*0001~"},
		{"no transactions", isaHeader() + "GS*HP~GE*1*1~"},
		{"bad amount", isaHeader() + "ST*835*0001~CLP*X*1*abc*0*0~SE*2*0001~"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseX12([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestParseERA_JSON(t *testing.T) {
	doc := `{"batch_id":"B-77","payer_id":"AETNA","payment_date":"2026-03-01","total_paid":"80.00",
		"claims":[{"patient_control_number":"CH00000001","charge":"100","allowed":"90","paid":"80",
		"patient_responsibility":"10","adjustments":[{"group":"CO","reason":"45","amount":"10"}]}]}`
	remits, err := ParseERA([]byte("\n" + doc))
	require.NoError(t, err)
	require.Len(t, remits, 1)
	r := remits[0]
	assert.Equal(t, "B-77", r.BatchID)
	assert.Equal(t, "clearinghouse", r.Source)
	require.Len(t, r.Records, 1)
	assert.True(t, r.Records[0].AllowedAmount.Equal(dec("90")))
	assert.Equal(t, "CO-45", r.Records[0].Adjustments[0].Code())
}

func TestParseERA_Rejects(t *testing.T) {
	_, err := ParseERA([]byte(`{"claims":[]}`))
	assert.Error(t, err)
	_, err = ParseERA([]byte("hello"))
	assert.Error(t, err)
}
