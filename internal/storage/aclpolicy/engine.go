// Package aclpolicy resolves a principal's effective rights on a drive. The
// policy is a compiled-in rego module so the intersection rule for
// PAR-opened drives lives in one declarative place.
package aclpolicy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"acquire/internal/domain"
)

const aclQuery = "data.acquire.storage.acl.result"

const aclModule = `package acquire.storage.acl

default owner = false

default writer = false

default reader = false

drive_rule = input.drive_acls[input.principal]

restricted {
	input.par_opened
}

owner {
	drive_rule.owner
	not restricted
}

owner {
	drive_rule.owner
	restricted
	input.par_acl.owner
}

writer {
	drive_rule.writer
	not restricted
}

writer {
	drive_rule.writer
	restricted
	input.par_acl.writer
}

reader {
	drive_rule.reader
	not restricted
}

reader {
	drive_rule.reader
	restricted
	input.par_acl.reader
}

result = {"owner": owner, "writer": writer, "reader": reader}
`

// Input names the principal and the rules in play. When the drive was opened
// through a PAR the effective rights are the intersection of the drive's own
// rule and the PAR's.
type Input struct {
	Principal string                    `json:"principal"`
	DriveACLs map[string]domain.ACLRule `json:"drive_acls"`
	PAROpened bool                      `json:"par_opened"`
	PARACL    *domain.ACLRule           `json:"par_acl,omitempty"`
}

type Engine struct {
	query rego.PreparedEvalQuery
}

func NewEngine(ctx context.Context) (*Engine, error) {
	prepared, err := rego.New(
		rego.Query(aclQuery),
		rego.Module("acl.rego", aclModule),
		rego.StrictBuiltinErrors(true),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing acl policy: %w", err)
	}
	return &Engine{query: prepared}, nil
}

// Resolve evaluates the policy for one principal. An unknown principal
// resolves to the null rule, not an error.
func (e *Engine) Resolve(ctx context.Context, in Input) (domain.ACLRule, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return domain.ACLRule{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.ACLRule{}, errors.New("empty acl policy result")
	}
	payload, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return domain.ACLRule{}, err
	}
	var rule domain.ACLRule
	if err := json.Unmarshal(payload, &rule); err != nil {
		return domain.ACLRule{}, err
	}
	return rule, nil
}
