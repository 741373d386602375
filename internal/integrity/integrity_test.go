package integrity

import (
	"errors"
	"testing"
)

func sampleContract() Contract {
	return Contract{
		URL:          "https://api.example.com/weather",
		Method:       "GET",
		Headers:      `{"Accept":"application/json"}`,
		BodyTemplate: "",
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	c := sampleContract()
	first := ComputeHash(c)
	second := ComputeHash(c)
	if first != second {
		t.Fatalf("digest changed between calls: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}
}

func TestComputeHashKnownValue(t *testing.T) {
	// sha256("u|GET||")
	got := ComputeHash(Contract{URL: "u", Method: "GET"})
	want := "c46ef4aa6b729a632193dd6e53ccdfba59289a76fe0403d601ae675f3164238a"
	if got != want {
		t.Fatalf("unexpected digest: %s", got)
	}
}

func TestVerifyDetectsSingleCharacterChange(t *testing.T) {
	base := sampleContract()
	stored := ComputeHash(base)
	if !Verify(base, stored) {
		t.Fatalf("expected untouched contract to verify")
	}

	mutations := map[string]func(Contract) Contract{
		"url":     func(c Contract) Contract { c.URL += "x"; return c },
		"method":  func(c Contract) Contract { c.Method = "GEt"; return c },
		"headers": func(c Contract) Contract { c.Headers = `{"Accept":"application/jsoN"}`; return c },
		"body":    func(c Contract) Contract { c.BodyTemplate = " "; return c },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			if Verify(mutate(base), stored) {
				t.Fatalf("mutation of %s should fail verification", name)
			}
		})
	}
}

func TestCheckReturnsTamperedError(t *testing.T) {
	err := Check(sampleContract(), "deadbeef", "7")
	if !errors.Is(err, ErrTampered) {
		t.Fatalf("expected ErrTampered, got %v", err)
	}
	if err := Check(sampleContract(), ComputeHash(sampleContract()), "7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
