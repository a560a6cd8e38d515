// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decision

import (
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianGate/services/gateway/detection"
)

func TestDecide_BlockingEquivalence(t *testing.T) {
	email := detection.Detection{Kind: detection.KindRegex, Label: detection.LabelEmail, Span: detection.Span{Start: 0, End: 3}, Text: "a@b"}
	person := detection.Detection{Kind: detection.KindEntity, Label: detection.LabelPerson, Span: detection.Span{Start: 4, End: 8}, Text: "Anna"}
	art9 := detection.Detection{Kind: detection.KindSemantic, Label: "ARTICLE", RegulationID: "Article 9", Similarity: 0.8}

	tests := []struct {
		name                     string
		regex, entity, semantic  []detection.Detection
		wantBlocked, wantDegrade bool
		wantLen                  int
	}{
		{name: "nothing", wantBlocked: false},
		{name: "regex only", regex: []detection.Detection{email}, wantBlocked: true, wantLen: 1},
		{name: "entity only", entity: []detection.Detection{person}, wantBlocked: true, wantLen: 1},
		{name: "semantic only", semantic: []detection.Detection{art9}, wantBlocked: true, wantLen: 1},
		{name: "all layers", regex: []detection.Detection{email}, entity: []detection.Detection{person}, semantic: []detection.Detection{art9}, wantBlocked: true, wantLen: 3},
		{
			name:        "provider failure",
			entity:      []detection.Detection{detection.NewProviderFailure("entity", detection.KindEntity)},
			wantBlocked: true, wantDegrade: true, wantLen: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decide(tt.regex, tt.entity, tt.semantic)
			if v.Blocked != tt.wantBlocked {
				t.Errorf("Blocked = %v, want %v", v.Blocked, tt.wantBlocked)
			}
			if v.Degraded != tt.wantDegrade {
				t.Errorf("Degraded = %v, want %v", v.Degraded, tt.wantDegrade)
			}
			if len(v.Detections) != tt.wantLen {
				t.Errorf("len(Detections) = %d, want %d", len(v.Detections), tt.wantLen)
			}
		})
	}
}

func TestDecide_LayerOrder(t *testing.T) {
	v := Decide(
		[]detection.Detection{{Kind: detection.KindRegex, Label: "EMAIL"}},
		[]detection.Detection{{Kind: detection.KindEntity, Label: "PERSON"}},
		[]detection.Detection{{Kind: detection.KindSemantic, Label: "ARTICLE"}},
	)
	want := []detection.Kind{detection.KindRegex, detection.KindEntity, detection.KindSemantic}
	for i, d := range v.Detections {
		if d.Kind != want[i] {
			t.Errorf("Detections[%d].Kind = %v, want %v", i, d.Kind, want[i])
		}
	}
}

func TestLifecycle_Linear(t *testing.T) {
	l := NewLifecycle()
	for _, s := range []Stage{StageDetecting, StageDecided, StageMasked, StageLogged, StageReturned} {
		if err := l.Advance(s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if l.Current() != StageReturned {
		t.Errorf("Current = %s", l.Current())
	}
	if err := l.Advance(StageReturned + 1); !errors.Is(err, ErrTransition) {
		t.Errorf("advance past returned: err = %v", err)
	}
}

func TestLifecycle_RejectsSkipAndReentry(t *testing.T) {
	l := NewLifecycle()
	if err := l.Advance(StageDecided); !errors.Is(err, ErrTransition) {
		t.Errorf("skip: err = %v", err)
	}
	_ = l.Advance(StageDetecting)
	if err := l.Advance(StageDetecting); !errors.Is(err, ErrTransition) {
		t.Errorf("re-entry: err = %v", err)
	}
	if err := l.Advance(StageReceived); !errors.Is(err, ErrTransition) {
		t.Errorf("backwards: err = %v", err)
	}
}

func TestLifecycle_Abort(t *testing.T) {
	l := NewLifecycle()
	_ = l.Advance(StageDetecting)
	l.Abort()
	if !l.Failed() {
		t.Fatal("Failed = false after Abort")
	}
	if err := l.Advance(StageDecided); !errors.Is(err, ErrTransition) {
		t.Errorf("advance after abort: err = %v", err)
	}
	if l.Current() != StageDetecting {
		t.Errorf("Current = %s, want detecting", l.Current())
	}
}

func TestStage_String(t *testing.T) {
	if StageMasked.String() != "masked" {
		t.Errorf("got %q", StageMasked.String())
	}
	if Stage(42).String() != "stage(42)" {
		t.Errorf("got %q", Stage(42).String())
	}
}
