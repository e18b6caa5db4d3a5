package observability

import "testing"

func TestRecordJobFailureByCode_DefaultsUnknownAndCustom(_ *testing.T) {
	// These calls should be safe regardless of metric registration state and
	// exercise the UNKNOWN default path as well as a concrete code.
	RecordJobFailureByCode("bulk_verify_emails", "")
	RecordJobFailureByCode("bulk_verify_emails", "UPSTREAM_TIMEOUT")
}

func TestRecordCompanyPatternConfidence_SetsGauge(_ *testing.T) {
	RecordCompanyPatternConfidence("acme.com", 0.8)
	RecordCompanyPatternConfidence("acme.com", 0.0)
}
