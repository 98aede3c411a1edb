package dto

// EraseSubjectRequest pseudonymises every ledger entry of a subject.
type EraseSubjectRequest struct {
	SubjectID string `json:"subject_id" validate:"required"`
	Reason    string `json:"reason" validate:"required,max=512"`
}

// EraseSubjectResponse reports the erasure.
type EraseSubjectResponse struct {
	Erased    int    `json:"erased"`
	Pseudonym string `json:"pseudonym"`
}
