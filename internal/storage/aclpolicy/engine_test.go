package aclpolicy

import (
	"context"
	"testing"

	"acquire/internal/domain"
)

func TestResolveDirectRights(t *testing.T) {
	engine, err := NewEngine(context.Background())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	acls := map[string]domain.ACLRule{
		"owner-uid":  domain.ACLOwner(),
		"reader-uid": domain.ACLReader(),
	}

	cases := []struct {
		name      string
		principal string
		want      domain.ACLRule
	}{
		{"owner", "owner-uid", domain.ACLOwner()},
		{"reader", "reader-uid", domain.ACLReader()},
		{"stranger", "nobody", domain.ACLRule{}},
	}
	for _, tc := range cases {
		got, err := engine.Resolve(context.Background(), Input{Principal: tc.principal, DriveACLs: acls})
		if err != nil {
			t.Fatalf("%s: resolve: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: rule = %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestResolveIntersectsPARRule(t *testing.T) {
	engine, err := NewEngine(context.Background())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	acls := map[string]domain.ACLRule{
		"owner-uid":  domain.ACLOwner(),
		"reader-uid": domain.ACLReader(),
	}

	writerPAR := domain.ACLWriter()
	got, err := engine.Resolve(context.Background(), Input{
		Principal: "owner-uid", DriveACLs: acls, PAROpened: true, PARACL: &writerPAR,
	})
	if err != nil {
		t.Fatalf("resolve owner through writer par: %v", err)
	}
	if got != domain.ACLWriter() {
		t.Fatalf("owner through writer par = %+v, want writer", got)
	}

	// A reader's rights cannot be widened by a writer PAR.
	got, err = engine.Resolve(context.Background(), Input{
		Principal: "reader-uid", DriveACLs: acls, PAROpened: true, PARACL: &writerPAR,
	})
	if err != nil {
		t.Fatalf("resolve reader through writer par: %v", err)
	}
	if got != domain.ACLReader() {
		t.Fatalf("reader through writer par = %+v, want reader", got)
	}
}
