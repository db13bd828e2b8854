package rdsauth

import (
	"context"
	"strings"
	"testing"
)

// TestTokenBuildsSignedURL exercises the full Provider.Token path with
// static env-var credentials (so config.LoadDefaultConfig never reaches out
// to EC2 instance metadata), verifying BuildAuthToken's local SigV4 signing
// produces a well-formed presigned URL rather than exercising any network
// call.
func TestTokenBuildsSignedURL(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAEXAMPLE")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "examplesecret")
	t.Setenv("AWS_REGION", "us-east-1")

	p := NewProvider()
	tok, err := p.Token(context.Background(), "us-east-1", "db.example.rds.amazonaws.com", 5432, "probe")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if !strings.Contains(tok, "db.example.rds.amazonaws.com") {
		t.Fatalf("token missing expected endpoint host: %s", tok)
	}
	if !strings.Contains(tok, "X-Amz-Signature") {
		t.Fatalf("token does not look like a presigned SigV4 URL: %s", tok)
	}
}

func TestTokenRegionOverride(t *testing.T) {
	t.Setenv("AWS_ACCESS_KEY_ID", "AKIAEXAMPLE")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "examplesecret")
	t.Setenv("AWS_REGION", "eu-west-1")

	p := NewProvider()
	// Explicit region argument should win over the ambient AWS_REGION.
	tok, err := p.Token(context.Background(), "ap-southeast-1", "db.example.rds.amazonaws.com", 3306, "probe")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if !strings.Contains(tok, "ap-southeast-1") {
		t.Fatalf("token does not reflect the overridden region: %s", tok)
	}
}
