package domain

// TaxLotMethod selects which open lots a reduction consumes first.
type TaxLotMethod string

const (
	MethodFIFO TaxLotMethod = "FIFO" // oldest trade date first
	MethodLIFO TaxLotMethod = "LIFO" // newest trade date first
	MethodHIFO TaxLotMethod = "HIFO" // highest cost basis first
)

// Valid returns true if the method is one of the defined constants.
func (m TaxLotMethod) Valid() bool {
	switch m {
	case MethodFIFO, MethodLIFO, MethodHIFO:
		return true
	default:
		return false
	}
}

// ContractRules carries the per-contract policy looked up from the contract
// service. BusinessRules is ancillary free-form policy the engine persists
// but does not interpret.
type ContractRules struct {
	ContractID    string            `json:"contractId"`
	TaxLotMethod  TaxLotMethod      `json:"taxLotMethod"`
	BusinessRules map[string]string `json:"businessRules,omitempty"`
}

// DefaultContractRules is substituted on contract lookup miss.
func DefaultContractRules(contractID string, method TaxLotMethod) ContractRules {
	if !method.Valid() {
		method = MethodFIFO
	}
	return ContractRules{ContractID: contractID, TaxLotMethod: method}
}
