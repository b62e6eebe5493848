package schedule

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTimeOfDayAddMinutes(t *testing.T) {
	cases := []struct {
		name  string
		start TimeOfDay
		delta int
		want  string
	}{
		{name: "plain", start: At(6, 42), delta: 10, want: "06:52"},
		{name: "minute overflow", start: At(6, 55), delta: 10, want: "07:05"},
		{name: "past midnight", start: At(23, 55), delta: 10, want: "00:05"},
		{name: "backwards across midnight", start: At(1, 0), delta: -120, want: "23:00"},
		{name: "large offset", start: At(22, 0), delta: 180, want: "01:00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.start.AddMinutes(tc.delta).String(); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestAtNormalizesIndependently(t *testing.T) {
	if got := At(25, -5).String(); got != "01:55" {
		t.Fatalf("expected 01:55, got %s", got)
	}
}

func TestParseTimeOfDay(t *testing.T) {
	if got, ok := ParseTimeOfDay("21:50"); !ok || got != At(21, 50) {
		t.Fatalf("unexpected parse: %v %v", got, ok)
	}
	for _, raw := range []string{"", "2150", "ab:cd", ":"} {
		if _, ok := ParseTimeOfDay(raw); ok {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}

func TestParseTimespec(t *testing.T) {
	for _, spec := range []string{"0 5 0 * * *", "0 05 00 * * *", "0 5 0 * * ?"} {
		got, err := ParseTimespec(spec)
		if err != nil {
			t.Fatalf("ParseTimespec(%q): %v", spec, err)
		}
		if got != At(0, 5) {
			t.Fatalf("ParseTimespec(%q) = %v", spec, got)
		}
	}
	if got := Timespec(At(22, 0)); got != "0 0 22 * * *" {
		t.Fatalf("unexpected timespec %q", got)
	}
}

func TestParseTimespecRejectsNonDaily(t *testing.T) {
	for _, spec := range []string{"0 */5 * * * *", "0 0 8 * * MON-FRI", "30 0 8 * * *", "0 0 8,9 * * *", "@sunrise"} {
		if _, err := ParseTimespec(spec); err == nil {
			t.Fatalf("expected %q to be rejected", spec)
		}
	}
	if _, err := ParseTimespec("0 0 8 * * 1"); !errors.Is(err, ErrNotDaily) {
		t.Fatalf("expected ErrNotDaily, got %v", err)
	}
}

func relayJob(id int, spec string, relay int, on bool) RemoteJob {
	params, _ := json.Marshal(SwitchParams{ID: relay, On: on})
	return RemoteJob{ID: id, Enable: true, Timespec: spec, Calls: []Call{{Method: MethodSwitchSet, Params: params}}}
}

func TestBuildIndex(t *testing.T) {
	eval, _ := json.Marshal(EvalParams{ID: 1, Code: "recompute"})
	jobs := []RemoteJob{
		relayJob(1, "0 30 6 * * *", 0, true),
		relayJob(2, "0 30 6 * * *", 1, true),
		{ID: 3, Timespec: "0 5 0 * * *", Calls: []Call{{Method: MethodScriptEval, Params: eval}}},
		{ID: 4, Timespec: "0 5 0 * * *", Calls: []Call{{Method: "Cover.Open"}}},
		{ID: 5, Timespec: "0 0 7 * * *", Calls: []Call{relayJob(0, "", 0, true).Calls[0], relayJob(0, "", 0, false).Calls[0]}},
	}
	idx := BuildIndex(jobs)
	if len(idx) != 3 {
		t.Fatalf("expected 3 indexed jobs, got %d", len(idx))
	}
	if id, ok := idx.Lookup(SignatureOf(At(6, 30), RelaySet{Relay: 0, On: true})); !ok || id != 1 {
		t.Fatalf("relay 0 lookup: %d %v", id, ok)
	}
	if id, ok := idx.Lookup(SignatureOf(At(6, 30), RelaySet{Relay: 1, On: true})); !ok || id != 2 {
		t.Fatalf("relay 1 lookup: %d %v", id, ok)
	}
	if id, ok := idx.Lookup(SignatureOf(At(0, 5), Maintenance{ScriptID: 9, Code: "recompute"})); !ok || id != 3 {
		t.Fatalf("maintenance lookup: %d %v", id, ok)
	}
}

func TestSignatureIgnoresTimespecSpelling(t *testing.T) {
	a, ok := JobSignature(relayJob(1, "0 05 07 * * *", 0, false))
	if !ok {
		t.Fatal("expected signature")
	}
	if a != SignatureOf(At(7, 5), RelaySet{On: false}) {
		t.Fatalf("unexpected signature %s", a)
	}
	if a.String() != "SW:0 5 7 * * *:id=0:on=0" {
		t.Fatalf("unexpected string form %q", a.String())
	}
}

func TestDesiredSet(t *testing.T) {
	desired := DesiredSet{}
	on := SignatureOf(At(6, 30), RelaySet{On: true})
	desired.Add(on)
	desired.Add(SignatureOf(At(6, 30), RelaySet{On: true}))
	desired.Add(SignatureOf(At(0, 5), Maintenance{ScriptID: 1, Code: "astrorelay:recompute"}))
	if desired.Len() != 2 {
		t.Fatalf("expected 2 signatures, got %d", desired.Len())
	}
	if !desired.Has(on) || desired.Has(SignatureOf(At(6, 30), RelaySet{On: false})) {
		t.Fatal("membership mismatch")
	}
	if !desired.Has(SignatureOf(At(0, 5), Maintenance{ScriptID: 7, Code: "astrorelay:recompute"})) {
		t.Fatal("script id must not affect the signature")
	}
	if k := (Maintenance{}).Kind(); k != ActionMaintenance || k.String() != "maintenance" {
		t.Fatalf("unexpected maintenance kind %s", k)
	}
	if on.Kind != (RelaySet{}).Kind() {
		t.Fatalf("signature kind %s does not match its action", on.Kind)
	}
}
