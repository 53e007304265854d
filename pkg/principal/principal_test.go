package principal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultResolver(t *testing.T) {
	tests := []struct {
		name    string
		in      Principal
		want    string
		wantErr error
	}{
		{"System", System(), ChromeOrigin, nil},
		{"ContentLowercased", Content("HTTPS://Example.COM/path?q=1"), "https://example.com", nil},
		{"DefaultPortStripped", Content("https://example.com:443"), "https://example.com", nil},
		{"CustomPortKept", Content("http://example.com:8080/"), "http://example.com:8080", nil},
		{"IPv6", Content("http://[::1]:9000"), "http://[::1]:9000", nil},
		{"IPv6DefaultPort", Content("http://[::1]:80"), "http://[::1]", nil},
		{"NoScheme", Content("example.com"), "", ErrInvalidPrincipal},
		{"Empty", Content(""), "", ErrInvalidPrincipal},
		{"Null", Principal{Kind: KindNull}, "", ErrNullPrincipal},
		{"UnknownKind", Principal{Kind: Kind(42)}, "", ErrInvalidPrincipal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DefaultResolver{}.Resolve(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, System().Validate())
	assert.NoError(t, Content("https://a.test").Validate())
	assert.ErrorIs(t, Principal{}.Validate(), ErrNullPrincipal)
	assert.ErrorIs(t, Content("nope").Validate(), ErrInvalidPrincipal)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "system", KindSystem.String())
	assert.Equal(t, "unknown(9)", Kind(9).String())
	assert.Equal(t, "https://a.test", Content("https://a.test").String())
}
