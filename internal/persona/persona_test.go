package persona

import (
	"strings"
	"testing"
)

func testPersonas() []Persona {
	return []Persona{
		{ID: "dominus", Name: "DOMINUS", Trigger: "!dominus", OriginChannelID: "100", Label: "Paid Version"},
		{ID: "free-dominus", Name: "DOMINUS", Trigger: "!free-dominus", OriginChannelID: "200", SlowmodeSec: 420, ChannelSuffix: "-free"},
		{ID: "lux", Name: "Lux", Trigger: "!lux", OriginChannelID: "100"},
	}
}

func TestRegistry_ResolveCaseInsensitivePrefix(t *testing.T) {
	r, err := NewRegistry(testPersonas())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, text := range []string{"!DOMINUS hello", "!dominus", "!Dominus  "} {
		p, ok := r.Resolve(text)
		if !ok {
			t.Fatalf("Resolve(%q) found nothing", text)
		}
		if p.ID != "dominus" {
			t.Errorf("Resolve(%q) = %s, want dominus", text, p.ID)
		}
	}
}

func TestRegistry_ResolveNoMatch(t *testing.T) {
	r, _ := NewRegistry(testPersonas())
	for _, text := range []string{"hello !dominus", "", "!close", "dominus", "  !dominus", "\n!dominus"} {
		if p, ok := r.Resolve(text); ok {
			t.Errorf("Resolve(%q) = %s, want no match", text, p.ID)
		}
	}
}

func TestRegistry_LongestTriggerWins(t *testing.T) {
	r, err := NewRegistry([]Persona{
		{ID: "vox", Trigger: "!vox"},
		{ID: "voxel", Trigger: "!voxel"},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	p, ok := r.Resolve("!voxel build me a house")
	if !ok || p.ID != "voxel" {
		t.Errorf("Resolve = %q, %v; want voxel", p.ID, ok)
	}
	p, ok = r.Resolve("!vox hi")
	if !ok || p.ID != "vox" {
		t.Errorf("Resolve = %q, %v; want vox", p.ID, ok)
	}
}

func TestNewRegistry_DuplicateTrigger(t *testing.T) {
	_, err := NewRegistry([]Persona{
		{ID: "a", Trigger: "!lux"},
		{ID: "b", Trigger: "!LUX"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate trigger")
	}
}

func TestNewRegistry_DuplicateID(t *testing.T) {
	_, err := NewRegistry([]Persona{
		{ID: "a", Trigger: "!a"},
		{ID: "a", Trigger: "!b"},
	})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
}

func TestNewRegistry_EmptyTrigger(t *testing.T) {
	if _, err := NewRegistry([]Persona{{ID: "a"}}); err == nil {
		t.Fatal("expected error for empty trigger")
	}
}

func TestRegistry_AllKeepsRegistrationOrder(t *testing.T) {
	r, _ := NewRegistry(testPersonas())
	all := r.All()
	if len(all) != 3 {
		t.Fatalf("len(All) = %d, want 3", len(all))
	}
	if all[0].ID != "dominus" || all[1].ID != "free-dominus" || all[2].ID != "lux" {
		t.Errorf("All order = %s,%s,%s", all[0].ID, all[1].ID, all[2].ID)
	}
	if _, ok := r.Get("lux"); !ok {
		t.Error("Get(lux) not found")
	}
}

func TestPersona_ChannelName(t *testing.T) {
	p := Persona{Name: "DOMINUS", ChannelSuffix: "-free"}
	if got := p.ChannelName("Big Tony!"); got != "dominus-big-tony-free" {
		t.Errorf("ChannelName = %q, want %q", got, "dominus-big-tony-free")
	}
}

func TestPersona_Topic(t *testing.T) {
	p := Persona{Name: "DOMINUS", Label: "Paid Version"}
	if got := p.Topic("tony"); got != "DOMINUS session for tony (Paid Version)" {
		t.Errorf("Topic = %q", got)
	}
	p.Label = ""
	if got := p.Topic("tony"); got != "DOMINUS session for tony" {
		t.Errorf("Topic without label = %q", got)
	}
}

func TestPersona_ThinkingText(t *testing.T) {
	p := Persona{Name: "Lux"}
	if got := p.ThinkingText(); got != "Lux is thinking..." {
		t.Errorf("ThinkingText = %q", got)
	}
	p.Thinking = "Seraph is listening..."
	if got := p.ThinkingText(); got != "Seraph is listening..." {
		t.Errorf("ThinkingText = %q", got)
	}
}

func TestPersona_WelcomeText(t *testing.T) {
	p := Persona{ID: "vox", Name: "VOX", Label: "Discipline"}
	got := p.WelcomeText("<@42>")
	if !strings.HasPrefix(got, "<@42>") {
		t.Errorf("welcome should start with mention, got %q", got)
	}
	if !strings.Contains(got, "VOX ACTIVE (Discipline)") {
		t.Errorf("welcome missing header, got %q", got)
	}

	p.Welcome = "hi {mention}, this is {name}"
	if got := p.WelcomeText("<@1>"); got != "hi <@1>, this is VOX" {
		t.Errorf("custom welcome = %q", got)
	}
}
