package domain

// Batch size bounds. Requests outside them are rejected before any
// operation executes.
const (
	BatchMinOperations = 1
	BatchMaxOperations = 10
)

// Batch operation types
const (
	BatchOpValidate   = "validate"
	BatchOpActivate   = "activate"
	BatchOpDeactivate = "deactivate"
)

// BatchOperation is one entry of a batch request
type BatchOperation struct {
	Op                 string `json:"op" validate:"required,oneof=validate activate deactivate"`
	LicenseKey         string `json:"license_key" validate:"required,min=10,max=64"`
	MachineFingerprint string `json:"machine_fingerprint,omitempty" validate:"omitempty,min=8,max=256"`
	MachineID          string `json:"machine_id,omitempty" validate:"omitempty,max=256"`
}

// BatchRequest executes up to BatchMaxOperations license operations in one
// call. Operations are independent; one failure never aborts the rest.
type BatchRequest struct {
	Operations []BatchOperation `json:"operations" validate:"required,min=1,max=10,dive"`
}

// BatchResult is the outcome of one batch operation. LicenseKey is echoed
// masked.
type BatchResult struct {
	Op         string `json:"op"`
	LicenseKey string `json:"license_key"`
	Success    bool   `json:"success"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// BatchResponse carries the per-operation outcomes of one batch. Success is
// true only when every operation succeeded.
type BatchResponse struct {
	Success         bool          `json:"success"`
	BatchID         string        `json:"batch_id"`
	OperationsCount int           `json:"operations_count"`
	Results         []BatchResult `json:"results"`
	Succeeded       int           `json:"succeeded"`
	Failed          int           `json:"failed"`
}
