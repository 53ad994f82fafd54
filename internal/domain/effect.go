package domain

// Effect rule types.
const (
	EffectAdjustReference = "adjust_reference"
	EffectSetReference    = "set_reference"
)

// Adjust operations.
const (
	OperationAdd      = "add"
	OperationSubtract = "subtract"
)

// EffectRule declares a derived update applied to the record referenced by
// ReferenceField after a write to the triggering record.
//
// Amount and Value are literals and stay nil when absent.
type EffectRule struct {
	Type           string `json:"type" yaml:"type"`
	ReferenceField string `json:"referenceField,omitempty" yaml:"referenceField,omitempty"`
	TargetField    string `json:"targetField,omitempty" yaml:"targetField,omitempty"`
	Operation      string `json:"operation,omitempty" yaml:"operation,omitempty"`
	Amount         any    `json:"amount,omitempty" yaml:"amount,omitempty"`
	AmountField    string `json:"amountField,omitempty" yaml:"amountField,omitempty"`
	Value          any    `json:"value,omitempty" yaml:"value,omitempty"`
	SourceField    string `json:"sourceField,omitempty" yaml:"sourceField,omitempty"`
}
