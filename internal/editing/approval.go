package editing

import "sync"

// FileEditRequest describes a proposed file edit pending approval.
type FileEditRequest struct {
	FilePath string
	Content  string
}

// ApprovalDecision is what ApprovalService.RequestApproval returns.
type ApprovalDecision struct {
	Approved        bool
	ModifiedContent *string
}

// Approver is the pluggable decision-maker an ApprovalService delegates
// to for a single request (e.g. a terminal prompt, an IDE dialog, or a
// test double that always approves).
type Approver interface {
	Decide(req FileEditRequest, diff string, stats Stats) ApprovalDecision
}

// ApprovalService implements sticky session-wide auto-approve semantics:
// one approved "approve all" decision makes every subsequent request in
// the process lifetime short-circuit to approved=true.
type ApprovalService struct {
	approver Approver

	mu         sync.Mutex
	autoApprove bool
}

func NewApprovalService(approver Approver) *ApprovalService {
	return &ApprovalService{approver: approver}
}

func (s *ApprovalService) RequestApproval(req FileEditRequest, diff string, stats Stats) ApprovalDecision {
	s.mu.Lock()
	if s.autoApprove {
		s.mu.Unlock()
		return ApprovalDecision{Approved: true}
	}
	s.mu.Unlock()

	decision := s.approver.Decide(req, diff, stats)
	return decision
}

// SetAutoApprove flips the sticky session-wide flag. Called by an
// Approver implementation when the user picks "approve all for this
// session".
func (s *ApprovalService) SetAutoApprove(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoApprove = on
}
