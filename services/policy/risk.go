package policy

import "github.com/upb/ai-control-plane/models"

// riskFloors is the lowest risk each action type is evaluated at, whatever
// the caller declares
var riskFloors = map[string]models.RiskLevel{
	"patient.update":  models.RiskMedium,
	"patient.message": models.RiskMedium,
	"invoice.create":  models.RiskMedium,
	"invoice.cancel":  models.RiskHigh,
	"sale.refund":     models.RiskHigh,
	"records.export":  models.RiskHigh,
	"patient.delete":  models.RiskCritical,
}

// EffectiveRisk returns the higher of declared and the floor for
// actionType. A declared level can raise the risk of an action but never
// lower it.
func EffectiveRisk(actionType string, declared models.RiskLevel) models.RiskLevel {
	floor, ok := riskFloors[actionType]
	if !ok {
		return declared
	}
	if !declared.Valid() || declared.Rank() < floor.Rank() {
		return floor
	}
	return declared
}
