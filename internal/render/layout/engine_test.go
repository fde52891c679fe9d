package layout

import "testing"

func TestWrapEngine_NoWrapSingleRow(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 5, TabWidth: 4, Wrap: WrapNone}

	rows := engine.LayoutLine("a long line that exceeds width", geo)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].Width != 30 {
		t.Errorf("Width = %d, want 30", rows[0].Width)
	}
}

func TestWrapEngine_EmptyLine(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 10, TabWidth: 4, Wrap: WrapSoft}

	rows := engine.LayoutLine("", geo)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].Text != "" || rows[0].Width != 0 {
		t.Errorf("rows[0] = %+v, want empty row", rows[0])
	}
}

func TestWrapEngine_WrapsAtWidth(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 4, TabWidth: 4, Wrap: WrapSoft}

	rows := engine.LayoutLine("abcdefgh", geo)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Text != "abcd" || rows[1].Text != "efgh" {
		t.Errorf("rows = %q + %q, want %q + %q", rows[0].Text, rows[1].Text, "abcd", "efgh")
	}
	if rows[0].Seg != 0 || rows[1].Seg != 1 {
		t.Errorf("segs = %d, %d, want 0, 1", rows[0].Seg, rows[1].Seg)
	}
}

func TestWrapEngine_PrefersSpaceBoundary(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 8, TabWidth: 4, Wrap: WrapSoft}

	rows := engine.LayoutLine("one two three", geo)
	if len(rows) < 2 {
		t.Fatalf("len(rows) = %d, want >= 2", len(rows))
	}
	for _, row := range rows {
		if row.Width > geo.Width {
			t.Errorf("row %q width %d exceeds %d", row.Text, row.Width, geo.Width)
		}
	}
	// "three" must not be split mid-word; the break lands after a space.
	last := rows[len(rows)-1]
	if last.Text != "three" {
		t.Errorf("last row = %q, want the word %q intact", last.Text, "three")
	}
}

func TestWrapEngine_ExpandsTabs(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 80, TabWidth: 4, Wrap: WrapSoft}

	rows := engine.LayoutLine("a\tb", geo)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].Text != "a   b" {
		t.Errorf("Text = %q, want %q", rows[0].Text, "a   b")
	}
	if rows[0].Width != 5 {
		t.Errorf("Width = %d, want 5", rows[0].Width)
	}
}

func TestWrapEngine_WideCharacters(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 4, TabWidth: 4, Wrap: WrapSoft}

	// Each CJK character is two columns wide.
	rows := engine.LayoutLine("你好世界", geo)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Text != "你好" || rows[1].Text != "世界" {
		t.Errorf("rows = %q + %q, want %q + %q", rows[0].Text, rows[1].Text, "你好", "世界")
	}
	if rows[0].Width != 4 {
		t.Errorf("Width = %d, want 4", rows[0].Width)
	}
}

func TestWrapEngine_Deterministic(t *testing.T) {
	engine := NewWrapEngine()
	geo := Geometry{Width: 10, TabWidth: 4, Wrap: WrapSoft}
	line := "some text\twith tabs and 宽 characters mixed in"

	first := engine.LayoutLine(line, geo)
	for i := 0; i < 5; i++ {
		again := engine.LayoutLine(line, geo)
		if len(again) != len(first) {
			t.Fatalf("row count changed between runs: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("row %d changed between runs: %+v vs %+v", j, again[j], first[j])
			}
		}
	}
}

func TestGeometry_FingerprintDistinguishes(t *testing.T) {
	a := Geometry{Width: 80, TabWidth: 4, Wrap: WrapSoft}
	b := Geometry{Width: 79, TabWidth: 4, Wrap: WrapSoft}
	c := Geometry{Width: 80, TabWidth: 8, Wrap: WrapSoft}
	d := Geometry{Width: 80, TabWidth: 4, Wrap: WrapNone}

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("width change should alter the fingerprint")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("tab width change should alter the fingerprint")
	}
	if a.Fingerprint() == d.Fingerprint() {
		t.Error("wrap mode change should alter the fingerprint")
	}
	if a.Fingerprint() != (Geometry{Width: 80, TabWidth: 4, Wrap: WrapSoft}).Fingerprint() {
		t.Error("equal geometry should produce equal fingerprints")
	}
}
