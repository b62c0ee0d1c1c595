package fingerprint

import "testing"

func TestComputeDeterministic(t *testing.T) {
	a := Compute("sqli-union", "/api/users", "GET")
	b := Compute("sqli-union", "/api/users", "GET")
	if a != b {
		t.Fatalf("same triple produced different fingerprints: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

func TestComputeIgnoresCosmeticEndpointDifferences(t *testing.T) {
	tests := []struct {
		name string
		a, b [3]string
		same bool
	}{
		{"trailing_slash", [3]string{"r", "/api/users/", "GET"}, [3]string{"r", "/api/users", "GET"}, true},
		{"query_string", [3]string{"r", "/api/users?page=2", "GET"}, [3]string{"r", "/api/users", "GET"}, true},
		{"case", [3]string{"R", "/API/Users", "get"}, [3]string{"r", "/api/users", "GET"}, true},
		{"whitespace", [3]string{" r ", " /api/users ", " GET "}, [3]string{"r", "/api/users", "GET"}, true},
		{"different_rule", [3]string{"r1", "/api/users", "GET"}, [3]string{"r2", "/api/users", "GET"}, false},
		{"different_method", [3]string{"r", "/api/users", "GET"}, [3]string{"r", "/api/users", "POST"}, false},
		{"different_endpoint", [3]string{"r", "/api/users", "GET"}, [3]string{"r", "/api/orders", "GET"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa := Compute(tt.a[0], tt.a[1], tt.a[2])
			fb := Compute(tt.b[0], tt.b[1], tt.b[2])
			if (fa == fb) != tt.same {
				t.Errorf("Compute(%v) == Compute(%v): got %v, want %v", tt.a, tt.b, fa == fb, tt.same)
			}
		})
	}
}
