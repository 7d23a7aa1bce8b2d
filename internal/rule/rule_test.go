package rule

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func specMeta() Meta {
	return Meta{
		TenantID: "acme",
		Time:     TimeRange{LastSeconds: 3600},
		By:       []string{"user"},
	}
}

func TestSpecRoundTrip(t *testing.T) {
	specs := []Spec{
		&Sequence{
			Meta: specMeta(),
			Stages: []Stage{
				{Match: []FieldCondition{{Field: "event_type", Op: OpEq, Value: "auth_failure"}}, MinCount: 5},
				{Match: []FieldCondition{{Field: "event_type", Op: OpEq, Value: "auth_success"}}},
			},
			WindowSec: 600,
			Strict:    StrictOrder,
		},
		&SequenceAbsence{
			Meta:      specMeta(),
			First:     []FieldCondition{{Field: "event_type", Op: OpEq, Value: "backup_started"}},
			Absent:    []FieldCondition{{Field: "event_type", Op: OpEq, Value: "backup_finished"}},
			WindowSec: 3600,
		},
		&Chain{
			Meta: specMeta(),
			Stages: [][]FieldCondition{
				{{Field: "event_type", Op: OpEq, Value: "download"}},
				{{Field: "event_type", Op: OpEq, Value: "execute"}},
			},
			WindowSec: 300,
		},
		&RollingThreshold{
			Meta:      specMeta(),
			Match:     []FieldCondition{{Field: "status", Op: OpEq, Value: "failure"}},
			Agg:       AggSum,
			Field:     "bytes_out",
			WindowSec: 300,
			Cmp:       CmpGt,
			Threshold: 1e6,
		},
		&Ratio{
			Meta:        specMeta(),
			Numerator:   []FieldCondition{{Field: "status", Op: OpEq, Value: "failure"}},
			Denominator: []FieldCondition{{Field: "event_type", Op: OpEq, Value: "auth"}},
			BucketSec:   600,
			K:           0.5,
		},
		&FirstSeen{
			Meta:        specMeta(),
			Dimension:   "process_name",
			HorizonDays: 30,
		},
		&Beaconing{
			Meta:      Meta{TenantID: "acme", Time: TimeRange{LastSeconds: 3600}, By: []string{"src_ip", "dst_ip"}},
			MinEvents: 12,
			MaxRSD:    0.15,
		},
	}

	for _, spec := range specs {
		t.Run(string(spec.Family()), func(t *testing.T) {
			data, err := MarshalSpec(spec)
			require.NoError(t, err)

			// The envelope carries the family tag.
			var env map[string]json.RawMessage
			require.NoError(t, json.Unmarshal(data, &env))
			var family string
			require.NoError(t, json.Unmarshal(env["family"], &family))
			assert.Equal(t, string(spec.Family()), family)

			got, err := UnmarshalSpec(data)
			require.NoError(t, err)
			assert.Equal(t, spec, got)
		})
	}
}

func TestUnmarshalSpecUnknownFamily(t *testing.T) {
	_, err := UnmarshalSpec([]byte(`{"family":"anomaly_cluster","spec":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anomaly_cluster")
}

func TestUnmarshalSpecMalformed(t *testing.T) {
	_, err := UnmarshalSpec([]byte(`{"family":"sequence","spec":{"stages":"nope"}}`))
	require.Error(t, err)
}

func TestCommonMeta(t *testing.T) {
	s := &Sequence{Meta: specMeta(), WindowSec: 60}
	assert.Equal(t, FamilySequence, s.Family())
	assert.Equal(t, "acme", s.Common().TenantID)
	assert.Equal(t, []string{"user"}, s.Common().By)
}
