package classify

import (
	"testing"

	"newsbrief/internal/core"
)

func TestParseClassifyResponse(t *testing.T) {
	response := "CATEGORY: security\nCONFIDENCE: 0.85\n"
	result, ok := parseClassifyResponse(response)
	if !ok {
		t.Fatalf("expected parseClassifyResponse to succeed")
	}
	if result.Topic != core.TopicSecurity {
		t.Errorf("expected topic %s, got %s", core.TopicSecurity, result.Topic)
	}
	if result.Confidence != 0.85 {
		t.Errorf("expected confidence 0.85, got %f", result.Confidence)
	}
}

func TestParseClassifyResponseUnknownCategory(t *testing.T) {
	if _, ok := parseClassifyResponse("CATEGORY: not-a-real-topic\nCONFIDENCE: 0.9\n"); ok {
		t.Fatalf("expected parseClassifyResponse to fail on an unrecognised topic")
	}
}

func TestClassifyWithKeywordsDefaultsToGeneral(t *testing.T) {
	c := &Classifier{}
	result := c.classifyWithKeywords("A pleasant walk in the park", "Nothing technical happened today.")
	if result.Topic != core.TopicGeneral {
		t.Errorf("expected general fallback, got %s", result.Topic)
	}
}

func TestClassifyWithKeywordsMatchesSecurity(t *testing.T) {
	c := &Classifier{}
	result := c.classifyWithKeywords("Critical vulnerability found", "Researchers disclosed a new exploit affecting a popular library, prompting an urgent CVE.")
	if result.Topic != core.TopicSecurity {
		t.Errorf("expected security topic, got %s", result.Topic)
	}
	if result.Confidence < 0.5 {
		t.Errorf("expected confidence >= 0.5, got %f", result.Confidence)
	}
}
