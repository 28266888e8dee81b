package risk

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScoreHourEntry_Clean(t *testing.T) {
	a := ScoreHourEntry(HourInputs{Method: MethodQRScan, OrgComplianceScore: 100})
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, LevelLow, a.Level)
	assert.Equal(t, KindHourEntry, a.Kind)
}

func TestScoreHourEntry_ClampsToTen(t *testing.T) {
	a := ScoreHourEntry(HourInputs{
		Flags:              []string{FlagOutsideGeofence, FlagSpeedViolation, FlagHoursDiscrepancy},
		Method:             MethodPhotoEvidence,
		DiscrepancyHours:   4,
		OrgComplianceScore: 0,
		EventRiskScore:     10,
	})
	assert.Equal(t, 10, a.Score)
	assert.Equal(t, LevelHigh, a.Level)
}

func TestScoreHourEntry_MediumBand(t *testing.T) {
	// 3 (outside) + 1.5 (manual) + 0.375 (75 compliance) = 4.875 → 5
	a := ScoreHourEntry(HourInputs{
		Flags:              []string{FlagOutsideGeofence},
		Method:             MethodManual,
		OrgComplianceScore: 75,
	})
	assert.Equal(t, 5, a.Score)
	assert.Equal(t, LevelMedium, a.Level)
	assert.Equal(t, 3.0, a.Factors["flags"])
	assert.Equal(t, 1.5, a.Factors["method"])
}

func TestScoreHourEntry_DuplicateFlagsCountOnce(t *testing.T) {
	once := ScoreHourEntry(HourInputs{Flags: []string{FlagSpeedViolation}, Method: MethodGPS, OrgComplianceScore: 100})
	twice := ScoreHourEntry(HourInputs{Flags: []string{FlagSpeedViolation, FlagSpeedViolation}, Method: MethodGPS, OrgComplianceScore: 100})
	assert.Equal(t, once.Score, twice.Score)
}

func TestScoreHourEntry_UnknownMethodIsWeakest(t *testing.T) {
	unknown := ScoreHourEntry(HourInputs{Method: "carrier_pigeon", OrgComplianceScore: 100})
	photo := ScoreHourEntry(HourInputs{Method: MethodPhotoEvidence, OrgComplianceScore: 100})
	assert.Equal(t, photo.Score, unknown.Score)
}

func TestHourLevel(t *testing.T) {
	cases := map[int]Level{0: LevelLow, 3: LevelLow, 4: LevelMedium, 6: LevelMedium, 7: LevelHigh, 10: LevelHigh}
	for score, want := range cases {
		assert.Equal(t, want, HourLevel(score), "score %d", score)
	}
}

func TestScoreCertificate(t *testing.T) {
	tests := []struct {
		name  string
		in    CertificateInputs
		score int
		level Level
	}{
		{
			name:  "perfect",
			in:    CertificateInputs{Method: MethodQRScan, OrgComplianceScore: 100, Anchored: true},
			score: 100,
			level: LevelHigh,
		},
		{
			name:  "unanchored",
			in:    CertificateInputs{Method: MethodQRScan, OrgComplianceScore: 100},
			score: 95,
			level: LevelHigh,
		},
		{
			name: "mixed signals",
			in: CertificateInputs{
				EntryRiskScore:     2,
				FraudFlags:         []string{FlagHoursDiscrepancy},
				Method:             MethodManual,
				OrgComplianceScore: 80,
			},
			score: 68, // 100 - 10 - 5 - 10 - 2 - 5
			level: LevelLow,
		},
		{
			name: "floor at zero",
			in: CertificateInputs{
				EntryRiskScore: 10,
				FraudFlags:     []string{"a", "b", "c", "d", "e", "f", "g", "h"},
				Method:         MethodPhotoEvidence,
			},
			score: 0,
			level: LevelCritical,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ScoreCertificate(tt.in)
			assert.Equal(t, tt.score, a.Score)
			assert.Equal(t, tt.level, a.Level)
			assert.Equal(t, KindCertificate, a.Kind)
		})
	}
}

func TestSecurityLevel(t *testing.T) {
	assert.Equal(t, LevelHigh, SecurityLevel(90))
	assert.Equal(t, LevelMedium, SecurityLevel(89))
	assert.Equal(t, LevelMedium, SecurityLevel(70))
	assert.Equal(t, LevelLow, SecurityLevel(50))
	assert.Equal(t, LevelCritical, SecurityLevel(49))
}

func TestEventTrust(t *testing.T) {
	assert.Equal(t, 100.0, EventTrust(0))
	assert.Equal(t, 80.0, EventTrust(2))
	assert.Equal(t, 0.0, EventTrust(10))
	assert.Equal(t, 0.0, EventTrust(15))
}

func TestEngine_RecordsAssessment(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store)
	ctx := context.Background()

	a := engine.AssessHourEntry(ctx, "hrs_1", HourInputs{Method: MethodQRScan, OrgComplianceScore: 100})
	require.NotEmpty(t, a.ID)
	assert.Equal(t, "hrs_1", a.SubjectID)
	assert.False(t, a.EvaluatedAt.IsZero())

	require.Eventually(t, func() bool {
		list, _ := engine.History(ctx, "hrs_1", 10)
		return len(list) == 1
	}, time.Second, 10*time.Millisecond)

	list, err := engine.History(ctx, "hrs_1", 10)
	require.NoError(t, err)
	assert.Equal(t, a.ID, list[0].ID)
}

func TestEngine_NilStore(t *testing.T) {
	engine := NewEngine(nil)
	a := engine.AssessCertificate(context.Background(), "cert_1", CertificateInputs{Method: MethodGPS, OrgComplianceScore: 100, Anchored: true})
	assert.Equal(t, 100, a.Score)

	list, err := engine.History(context.Background(), "cert_1", 0)
	assert.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryStore_ListNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Record(ctx, &Assessment{ID: id, SubjectID: "s", Factors: map[string]float64{"x": 1}}))
	}

	list, err := store.ListBySubject(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)

	list[0].Factors["x"] = 99
	again, _ := store.ListBySubject(ctx, "s", 1)
	assert.Equal(t, 1.0, again[0].Factors["x"])
}

var flagGen = gen.OneConstOf(FlagOutsideGeofence, FlagSpeedViolation, FlagHoursDiscrepancy, "missing-checkout", "low-accuracy")

var methodGen = gen.OneConstOf(MethodQRScan, MethodGPS, MethodWitness, MethodManual, MethodPhotoEvidence)

func TestProperty_HourScoreMonotonicInFlags(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("adding a flag never lowers the hour risk score", prop.ForAll(
		func(flags []string, extra string, method string, disc, compliance, eventRisk float64) bool {
			base := HourInputs{Flags: flags, Method: method, DiscrepancyHours: disc, OrgComplianceScore: compliance, EventRiskScore: eventRisk}
			more := base
			more.Flags = append(append([]string{}, flags...), extra)
			return ScoreHourEntry(more).Score >= ScoreHourEntry(base).Score
		},
		gen.SliceOf(flagGen),
		flagGen,
		methodGen,
		gen.Float64Range(0, 8),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 10),
	))

	properties.Property("scoring is idempotent", prop.ForAll(
		func(flags []string, method string, disc, compliance, eventRisk float64) bool {
			in := HourInputs{Flags: flags, Method: method, DiscrepancyHours: disc, OrgComplianceScore: compliance, EventRiskScore: eventRisk}
			a, b := ScoreHourEntry(in), ScoreHourEntry(in)
			return a.Score == b.Score && a.Level == b.Level
		},
		gen.SliceOf(flagGen),
		methodGen,
		gen.Float64Range(0, 8),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 10),
	))

	properties.Property("adding a fraud flag never raises the security score", prop.ForAll(
		func(flags []string, extra string, entryRisk int, compliance float64, anchored bool) bool {
			base := CertificateInputs{EntryRiskScore: entryRisk, FraudFlags: flags, Method: MethodGPS, OrgComplianceScore: compliance, Anchored: anchored}
			more := base
			more.FraudFlags = append(append([]string{}, flags...), extra)
			s := ScoreCertificate(more).Score
			return s <= ScoreCertificate(base).Score && s >= 0 && s <= 100
		},
		gen.SliceOf(flagGen),
		flagGen,
		gen.IntRange(0, 10),
		gen.Float64Range(0, 100),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
