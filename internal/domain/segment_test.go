package domain

import "testing"

func TestMetadataRowLen(t *testing.T) {
	cases := []struct {
		name string
		row  MetadataRow
		want int64
	}{
		{"single byte", MetadataRow{Start: 4, End: 4}, 1},
		{"five bytes", MetadataRow{Start: 5, End: 9}, 5},
		{"empty at origin", MetadataRow{Start: 0, End: -1}, 0},
		{"empty mid blob", MetadataRow{Start: 10, End: 9}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.row.Len(); got != tc.want {
				t.Fatalf("Len() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestMetadataRowEncrypted(t *testing.T) {
	if (MetadataRow{}).Encrypted() {
		t.Fatal("row without dek reported encrypted")
	}
	if !(MetadataRow{DEK: []byte{1}}).Encrypted() {
		t.Fatal("row with dek reported plaintext")
	}
}
