// parlor/models/gate.go
package models

// Delete authorization policies. Observed legacy variants disagree on who
// may delete, so the choice is explicit configuration.
const (
	DeleteByAuthor        = "author"
	DeleteByAdmin         = "admin"
	DeleteByAuthorOrAdmin = "author_or_admin"
)

// GatePolicy is the moderation gate: pure decision functions consulted
// before every state-changing operation. It holds configuration only, never
// state, so every call reevaluates against the caller-supplied snapshot.
type GatePolicy struct {
	Founder        string
	BanBlocksLogin bool
	DeletePolicy   string
}

// CanPost reports whether author may append to the log given the current
// ban flag and chat mode. The founder identity is exempt from both gates.
func (p GatePolicy) CanPost(author string, banned bool, mode ChatMode) error {
	if author == p.Founder {
		return nil
	}
	if banned {
		return ErrBanned
	}
	if mode.Posting == PostingPaused {
		return ErrPaused
	}
	return nil
}

// CanLogin reports whether username may authenticate. Bans gate posting,
// not login, unless BanBlocksLogin is set.
func (p GatePolicy) CanLogin(username string, banned bool, mode ChatMode) error {
	if username == p.Founder {
		return nil
	}
	if mode.Access == AccessLocked {
		return ErrLocked
	}
	if p.BanBlocksLogin && banned {
		return ErrBanned
	}
	return nil
}

// CanDelete reports whether requestor may tombstone a message written by
// author, under the configured delete policy.
func (p GatePolicy) CanDelete(requestor string, isAdmin bool, author string) error {
	switch p.DeletePolicy {
	case DeleteByAuthor:
		if requestor == author {
			return nil
		}
	case DeleteByAdmin:
		if isAdmin {
			return nil
		}
	default: // DeleteByAuthorOrAdmin
		if requestor == author || isAdmin {
			return nil
		}
	}
	return ErrForbidden
}
