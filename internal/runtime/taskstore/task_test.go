// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package taskstore

import (
	"errors"
	"testing"
	"time"

	pkgerrors "docflow/pkg/errors"
)

func TestStatus_Terminal(t *testing.T) {
	tests := []struct {
		s    Status
		want bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusSkipped, true},
	}
	for _, tt := range tests {
		if got := tt.s.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.s, got, tt.want)
		}
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Error("ParseStatus(bogus) should fail")
	}
	if s, ok := ParseStatus("skipped"); !ok || s != StatusSkipped {
		t.Errorf("ParseStatus(skipped) = %v, %v", s, ok)
	}
}

func TestPatch_Apply_TerminalRules(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tests := []struct {
		name    string
		from    Status
		patch   Patch
		wantErr bool
		want    Status
	}{
		{"pending to processing", StatusPending, Patch{Status: Ptr(StatusProcessing)}, false, StatusProcessing},
		{"processing to completed", StatusProcessing, Patch{Status: Ptr(StatusCompleted)}, false, StatusCompleted},
		{"completed to failed rejected", StatusCompleted, Patch{Status: Ptr(StatusFailed)}, true, StatusCompleted},
		{"completed to completed idempotent", StatusCompleted, Patch{Status: Ptr(StatusCompleted)}, false, StatusCompleted},
		{"cancelled progress-only rejected", StatusCancelled, Patch{Progress: Ptr(50)}, true, StatusCancelled},
		{"skipped to processing rejected", StatusSkipped, Patch{Status: Ptr(StatusProcessing)}, true, StatusSkipped},
		{"failed to cancelled rejected", StatusFailed, Patch{Status: Ptr(StatusCancelled)}, true, StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &Task{TaskID: "t1", Status: tt.from}
			err := tt.patch.Apply(task, now)
			if tt.wantErr {
				if !errors.Is(err, ErrTerminal) {
					t.Fatalf("Apply err = %v, want ErrTerminal", err)
				}
			} else if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if task.Status != tt.want {
				t.Errorf("Status = %s, want %s", task.Status, tt.want)
			}
		})
	}
}

func TestPatch_Apply_MergeKeepsUntouchedFields(t *testing.T) {
	now := time.Unix(1700000000, 0)
	task := &Task{TaskID: "t1", Status: StatusProcessing, Filename: "a.pdf", Message: "parsing", Progress: 45, CurrentStep: 3}
	if err := (Patch{Progress: Ptr(60), CurrentStep: Ptr(4)}).Apply(task, now); err != nil {
		t.Fatal(err)
	}
	if task.Filename != "a.pdf" || task.Message != "parsing" {
		t.Errorf("untouched fields changed: %+v", task)
	}
	if task.Progress != 60 || task.CurrentStep != 4 {
		t.Errorf("patched fields not applied: %+v", task)
	}
	if !task.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v", task.UpdatedAt)
	}
}

func TestPatch_Apply_ProgressMonotonicWhileProcessing(t *testing.T) {
	task := &Task{TaskID: "t1", Status: StatusProcessing, Progress: 60}
	if err := (Patch{Progress: Ptr(30)}).Apply(task, time.Now()); err != nil {
		t.Fatal(err)
	}
	if task.Progress != 60 {
		t.Errorf("Progress regressed to %d", task.Progress)
	}
	if err := (Patch{Progress: Ptr(250)}).Apply(task, time.Now()); err != nil {
		t.Fatal(err)
	}
	if task.Progress != 100 {
		t.Errorf("Progress not clamped: %d", task.Progress)
	}
}

func TestPatch_Apply_ErrorAndResultExclusive(t *testing.T) {
	now := time.Now()
	task := &Task{TaskID: "t1", Status: StatusProcessing}
	err := (Patch{
		Status: Ptr(StatusFailed),
		Error:  ErrorInfoFrom(pkgerrors.NewTaskError(pkgerrors.TypeValidation, "empty file")),
		Result: map[string]any{"chunks_count": 3},
	}).Apply(task, now)
	if err != nil {
		t.Fatal(err)
	}
	if task.Error == nil || task.Error.Type != "validation_error" {
		t.Errorf("Error = %+v", task.Error)
	}
	if task.Result != nil {
		t.Errorf("Result should be dropped on failed, got %v", task.Result)
	}
	if task.CompletedAt == nil {
		t.Error("CompletedAt should be stamped on terminal status")
	}
}

func TestErrorInfoFrom_Unexpected(t *testing.T) {
	info := ErrorInfoFrom(errors.New("kaboom"))
	if info.Type != "unexpected_error" || info.ExceptionType == "" {
		t.Errorf("info = %+v", info)
	}
	if ErrorInfoFrom(nil) != nil {
		t.Error("nil error should give nil info")
	}
}
