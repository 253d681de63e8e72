package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/upb/ai-control-plane/models"
)

func TestEffectiveRisk(t *testing.T) {
	tests := []struct {
		name       string
		actionType string
		declared   models.RiskLevel
		want       models.RiskLevel
	}{
		{"declared low raised to floor", "patient.delete", models.RiskLow, models.RiskCritical},
		{"missing declaration uses floor", "sale.refund", "", models.RiskHigh},
		{"declared above floor kept", "patient.update", models.RiskHigh, models.RiskHigh},
		{"unknown action keeps declaration", "appointment.reschedule", models.RiskLow, models.RiskLow},
		{"unknown action without declaration", "appointment.reschedule", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EffectiveRisk(tt.actionType, tt.declared))
		})
	}
}
