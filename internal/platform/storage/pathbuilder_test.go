package storage

import "testing"

func TestBuildDeliveryProofPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeDeliveryProof, PathParams{
		OrderID:  "sho_01J0",
		FileName: "3f2a.jpg",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "shipping-orders/sho_01J0/proof/3f2a.jpg"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildDeliveryProofThumbnailPath(t *testing.T) {
	path, err := BuildObjectPath(PurposeDeliveryProofThumbnail, PathParams{
		OrderID:  "sho_01J0",
		FileName: "3f2a.png",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "shipping-orders/sho_01J0/proof/3f2a_thumb.jpg"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestBuildObjectPathRejectsInvalidSegment(t *testing.T) {
	cases := []PathParams{
		{OrderID: "../bad", FileName: "file.png"},
		{OrderID: "sho_1", FileName: "a/b.png"},
		{OrderID: "", FileName: "file.png"},
		{OrderID: "sho_1", FileName: " "},
	}
	for _, params := range cases {
		if _, err := BuildObjectPath(PurposeDeliveryProof, params); err == nil {
			t.Fatalf("expected error for %#v", params)
		}
	}
}

func TestBuildThumbnailPathNeedsBaseName(t *testing.T) {
	if _, err := BuildObjectPath(PurposeDeliveryProofThumbnail, PathParams{OrderID: "sho_1", FileName: ".jpg"}); err == nil {
		t.Fatalf("expected error for extension-only file name")
	}
}

func TestBuildObjectPathUnknownPurpose(t *testing.T) {
	if _, err := BuildObjectPath(AssetPurpose("receipt"), PathParams{OrderID: "o", FileName: "f"}); err == nil {
		t.Fatalf("expected error for unknown purpose")
	}
}

func TestValidateObjectKey(t *testing.T) {
	if _, err := validateObjectKey("shipping-orders/sho_1/proof/a.jpg"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "a//b", "../a", "a/../b"} {
		if _, err := validateObjectKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
