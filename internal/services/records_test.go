package services

import (
	"context"
	"testing"

	"github.com/Lllllllleong/documentintake/internal/apperr"
	"github.com/Lllllllleong/documentintake/internal/models"
)

func completedCallback(correlationID string, total float64) models.ExtractionCallback {
	return models.ExtractionCallback{
		CorrelationID: correlationID,
		Status:        "completed",
		AnalyzeResult: map[string]models.FieldValue{
			"invoice_number": {RawValue: " INV-7 ", ConfidenceScore: 0.97},
			"total":          {RawValue: "$1,234.50", ConfidenceScore: total},
			"unknown_key":    {RawValue: "x", ConfidenceScore: 1},
		},
	}
}

func TestApplyCallbackIngestsResult(t *testing.T) {
	st := newMemStore()
	st.catalogs["p1"] = testCatalog()
	f := newTestRecords(st, newFakeDispatcher())
	processingRecord(t, st, "r1")

	resp, err := f.ApplyCallback(context.Background(), completedCallback("exec-r1", 0.9))
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Applied || resp.RecordID != "r1" || resp.Status != string(models.RecordCompleted) {
		t.Fatalf("response = %+v", resp)
	}

	rec, _ := st.GetRecord(context.Background(), "r1")
	if _, ok := rec.AnalyzeResult["unknown_key"]; ok {
		t.Fatal("unknown key should be dropped")
	}
	if got := rec.AnalyzeResult["total"].NormalizedValue; got != "1234.5" {
		t.Fatalf("normalized total = %q", got)
	}
	if rec.Confidence != models.ConfidenceTrusted {
		t.Fatalf("confidence = %s, want trusted", rec.Confidence)
	}
	if !hasLog(rec, models.StepCallback, models.LogSuccess) {
		t.Fatalf("missing callback log: %+v", rec.Logs)
	}

	// A redelivered callback finds the record completed and is ignored.
	writes := st.writes()
	resp, err = f.ApplyCallback(context.Background(), completedCallback("exec-r1", 0.9))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Applied || st.writes() != writes {
		t.Fatalf("redelivery applied: %+v", resp)
	}
}

func TestApplyCallbackFailure(t *testing.T) {
	st := newMemStore()
	f := newTestRecords(st, newFakeDispatcher())
	processingRecord(t, st, "r1")

	resp, err := f.ApplyCallback(context.Background(), models.ExtractionCallback{
		CorrelationID: "exec-r1",
		Status:        "failed",
		ErrorMessage:  "model quota exceeded",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !resp.Applied || resp.Status != string(models.RecordFailed) {
		t.Fatalf("response = %+v", resp)
	}
	rec, _ := st.GetRecord(context.Background(), "r1")
	last := rec.Logs[len(rec.Logs)-1]
	if last.Step != models.StepCallback || last.Status != models.LogError || last.Error != "model quota exceeded" {
		t.Fatalf("last log = %+v", last)
	}
}

func TestApplyCallbackRejectsBadInput(t *testing.T) {
	f := newTestRecords(newMemStore(), newFakeDispatcher())
	ctx := context.Background()

	if _, err := f.ApplyCallback(ctx, models.ExtractionCallback{CorrelationID: "x", Status: "running"}); !apperr.IsValidation(err) {
		t.Fatalf("bad status: %v", err)
	}
	if _, err := f.ApplyCallback(ctx, models.ExtractionCallback{Status: "completed"}); !apperr.IsValidation(err) {
		t.Fatalf("missing correlation id: %v", err)
	}
}

func TestApplyCallbackUnknownCorrelationIDIsIgnored(t *testing.T) {
	st := newMemStore()
	f := newTestRecords(st, newFakeDispatcher())

	resp, err := f.ApplyCallback(context.Background(), models.ExtractionCallback{CorrelationID: "nope", Status: "completed"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Applied || resp.RecordID != "" {
		t.Fatalf("response = %+v", resp)
	}
	if st.writes() != 0 {
		t.Fatal("unknown callback wrote a record")
	}
}

func TestApplyCallbackLeavesReviewedRecordAlone(t *testing.T) {
	st := newMemStore()
	f := newTestRecords(st, newFakeDispatcher())
	rec := processingRecord(t, st, "r1")
	rec.Status = models.RecordNeedsReview
	st.put(rec)

	resp, err := f.ApplyCallback(context.Background(), completedCallback("exec-r1", 0.9))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Applied || resp.Status != string(models.RecordNeedsReview) || st.writes() != 0 {
		t.Fatalf("redelivered callback = %+v", resp)
	}
}

func TestCancelIsIdempotentAndBlocksLateCallback(t *testing.T) {
	st := newMemStore()
	f := newTestRecords(st, newFakeDispatcher())
	processingRecord(t, st, "r1")
	ctx := context.Background()

	rec, err := f.Cancel(ctx, "r1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.RecordFailed || rec.CorrelationID != "" || !hasLog(rec, models.StepCancel, models.LogSuccess) {
		t.Fatalf("cancelled record = %+v", rec)
	}

	writes := st.writes()
	again, err := f.Cancel(ctx, "r1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if st.writes() != writes || len(again.Logs) != len(rec.Logs) {
		t.Fatal("second cancel wrote to the record")
	}

	// The execution id is gone, so the late callback is acknowledged and dropped.
	resp, err := f.ApplyCallback(ctx, completedCallback("exec-r1", 0.9))
	if err != nil || resp.Applied {
		t.Fatalf("late callback: %+v, %v", resp, err)
	}
	if got, _ := f.Get(ctx, "r1"); got.Status != models.RecordFailed || st.writes() != writes {
		t.Fatalf("late callback changed the record: %+v", got)
	}
}

func TestCancelRejectsCompletedRecord(t *testing.T) {
	st := newMemStore()
	f := newTestRecords(st, newFakeDispatcher())
	st.put(&models.Record{ID: "r1", ProjectID: "p1", Status: models.RecordCompleted})

	if _, err := f.Cancel(context.Background(), "r1", "alice"); !apperr.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestVerifyGate(t *testing.T) {
	st := newMemStore()
	st.catalogs["p1"] = testCatalog()
	f := newTestRecords(st, newFakeDispatcher())
	ctx := context.Background()

	processingRecord(t, st, "low")
	processingRecord(t, st, "high")
	if _, err := f.ApplyCallback(ctx, completedCallback("exec-low", 0.4)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ApplyCallback(ctx, completedCallback("exec-high", 0.95)); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Verify(ctx, "low", "alice"); !apperr.IsValidation(err) {
		t.Fatalf("verify below threshold: %v", err)
	}

	rec, err := f.Verify(ctx, "high", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Confidence != models.ConfidenceVerified || rec.VerifiedBy != "alice" || rec.VerifiedAt == nil {
		t.Fatalf("verified record = %+v", rec)
	}

	writes := st.writes()
	rec, err = f.Verify(ctx, "high", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if st.writes() != writes || rec.VerifiedBy != "alice" {
		t.Fatalf("second verify changed the record: %+v", rec)
	}
}

func TestEditFields(t *testing.T) {
	st := newMemStore()
	st.catalogs["p1"] = testCatalog()
	f := newTestRecords(st, newFakeDispatcher())
	ctx := context.Background()

	st.put(&models.Record{
		ID:        "r1",
		ProjectID: "p1",
		Status:    models.RecordCompleted,
		AnalyzeResult: map[string]models.FieldValue{
			"invoice_number": {RawValue: "INV", ConfidenceScore: 0.3},
			"total":          {RawValue: "10", ConfidenceScore: 0.2},
		},
		Confidence: models.ConfidenceNeedsRevision,
	})

	rec, err := f.EditFields(ctx, "r1", "alice", []models.FieldEdit{{Key: "invoice_number", Value: "INV-9"}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.RecordNeedsReview || rec.Confidence != models.ConfidenceNeedsRevision {
		t.Fatalf("after first edit: status %s confidence %s", rec.Status, rec.Confidence)
	}
	if fv := rec.AnalyzeResult["invoice_number"]; !fv.ManuallyEdited || fv.ConfidenceScore != 0.3 || fv.RawValue != "INV-9" {
		t.Fatalf("edited field = %+v", fv)
	}

	rec, err = f.EditFields(ctx, "r1", "alice", []models.FieldEdit{{Key: "total", Value: "1.000,00"}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.RecordCompleted || rec.Confidence != models.ConfidenceTrusted {
		t.Fatalf("after second edit: status %s confidence %s", rec.Status, rec.Confidence)
	}
	if got := rec.AnalyzeResult["total"].NormalizedValue; got != "1000" {
		t.Fatalf("normalized total = %q", got)
	}
	if !hasLog(rec, models.StepFieldEdit, models.LogSuccess) {
		t.Fatal("missing field edit log")
	}

	if _, err := f.Verify(ctx, "r1", "alice"); err != nil {
		t.Fatal(err)
	}
	rec, err = f.EditFields(ctx, "r1", "bob", []models.FieldEdit{{Key: "notes", Value: "checked"}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Confidence != models.ConfidenceTrusted || rec.VerifiedBy != "" || rec.VerifiedAt != nil {
		t.Fatalf("edit of verified record = %+v", rec)
	}

	if _, err := f.EditFields(ctx, "r1", "bob", []models.FieldEdit{{Key: "bogus", Value: "1"}}); !apperr.IsValidation(err) {
		t.Fatalf("unknown key: %v", err)
	}
}

func TestEditFieldsRequiresExtraction(t *testing.T) {
	st := newMemStore()
	st.catalogs["p1"] = testCatalog()
	f := newTestRecords(st, newFakeDispatcher())
	processingRecord(t, st, "r1")

	_, err := f.EditFields(context.Background(), "r1", "alice", []models.FieldEdit{{Key: "total", Value: "1"}})
	if !apperr.IsConflict(err) {
		t.Fatalf("want conflict, got %v", err)
	}
}

func TestRetryDispatch(t *testing.T) {
	st := newMemStore()
	d := newFakeDispatcher()
	f := newTestRecords(st, d)
	ctx := context.Background()

	st.put(&models.Record{ID: "r1", ProjectID: "p1", Status: models.RecordFailed})
	d.fail = func(models.WebhookDescriptor) bool { return true }

	rec, err := f.RetryDispatch(ctx, "r1", "alice")
	if !apperr.IsExternal(err) {
		t.Fatalf("want external error, got %v", err)
	}
	if rec.Status != models.RecordFailed || rec.DispatchAttempts != 3 {
		t.Fatalf("after failed retry: %+v", rec)
	}
	last := rec.Logs[len(rec.Logs)-1]
	if last.Step != models.StepRetry || last.Attempt != 3 || last.HTTPStatus != 502 {
		t.Fatalf("dispatch log = %+v", last)
	}

	d.fail = nil
	rec, err = f.RetryDispatch(ctx, "r1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != models.RecordProcessing || rec.CorrelationID != "exec-r1" || rec.DispatchAttempts != 4 {
		t.Fatalf("after retry: %+v", rec)
	}
	if !hasLog(rec, models.StepRetry, models.LogSuccess) || hasLog(rec, models.StepDispatch, models.LogSuccess) {
		t.Fatalf("retry logs = %+v", rec.Logs)
	}

	if _, err := f.RetryDispatch(ctx, "r1", "alice"); !apperr.IsConflict(err) {
		t.Fatalf("retry of processing record: %v", err)
	}
}
