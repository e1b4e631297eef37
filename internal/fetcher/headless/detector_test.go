package headless

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agencykit/siteaudit/internal/audit"
)

func TestDetectorShouldRender(t *testing.T) {
	t.Parallel()

	d := NewDetector(0)

	cases := []struct {
		name string
		resp audit.FetchResponse
		want bool
	}{
		{
			name: "non-200 never promotes",
			resp: audit.FetchResponse{StatusCode: http.StatusNotFound, Body: []byte(`<div id="root"></div>`)},
			want: false,
		},
		{
			name: "empty body promotes",
			resp: audit.FetchResponse{StatusCode: http.StatusOK},
			want: true,
		},
		{
			name: "react root marker promotes",
			resp: audit.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<html><body><div id="root"></div></body></html>`)},
			want: true,
		},
		{
			name: "next marker promotes",
			resp: audit.FetchResponse{StatusCode: http.StatusOK, Body: []byte(`<html><body><div id="__next"></div></body></html>`)},
			want: true,
		},
		{
			name: "short script-heavy shell promotes",
			resp: audit.FetchResponse{
				StatusCode: http.StatusOK,
				Body:       []byte(`<html><head><script>` + strings.Repeat("window.x=1;", 30) + `</script></head><body>hi</body></html>`),
			},
			want: true,
		},
		{
			name: "ordinary server-rendered page stays",
			resp: audit.FetchResponse{
				StatusCode: http.StatusOK,
				Body:       []byte(`<html><body><h1>Welcome</h1><p>` + strings.Repeat("content ", 100) + `</p></body></html>`),
			},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, d.ShouldRender(tc.resp))
		})
	}
}
