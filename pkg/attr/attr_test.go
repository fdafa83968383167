package attr

import (
	"strings"
	"testing"

	"github.com/OpenPrinting/goipp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindAndHelpers(t *testing.T) {
	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String("lp0")))
	attrs.Add(goipp.MakeAttribute("job-id", goipp.TagInteger, goipp.Integer(42)))
	attrs.Add(goipp.MakeAttribute("printer-is-accepting-jobs", goipp.TagBoolean, goipp.Boolean(true)))

	name, ok := String(attrs, "printer-name")
	require.True(t, ok)
	assert.Equal(t, "lp0", name)

	id, ok := Integer(attrs, "job-id")
	require.True(t, ok)
	assert.Equal(t, 42, id)

	accepting, ok := Boolean(attrs, "printer-is-accepting-jobs")
	require.True(t, ok)
	assert.True(t, accepting)

	_, ok = Find(attrs, "missing")
	assert.False(t, ok)
}

func TestAdder(t *testing.T) {
	var attrs goipp.Attributes
	a := Adder(&attrs)
	a("printer-state-reasons", goipp.TagKeyword, goipp.String("none"))
	a("media-supported", goipp.TagKeyword, StringValues("a4", "letter")...)
	a("empty", goipp.TagKeyword) // no values, must not append

	require.Len(t, attrs, 2)
	assert.Equal(t, []string{"a4", "letter"}, Strings(attrs, "media-supported"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		attr    goipp.Attribute
		wantErr bool
	}{
		{
			name: "valid name",
			attr: goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("report")),
		},
		{
			name:    "name too long",
			attr:    goipp.MakeAttribute("job-name", goipp.TagName, goipp.String(strings.Repeat("x", 256))),
			wantErr: true,
		},
		{
			name:    "text not utf-8",
			attr:    goipp.MakeAttribute("job-message", goipp.TagText, goipp.String("\xff\xfe")),
			wantErr: true,
		},
		{
			name:    "malformed uri",
			attr:    goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("not a uri")),
			wantErr: true,
		},
		{
			name: "valid uri",
			attr: goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://host/printers/lp0")),
		},
		{
			name:    "keyword with space",
			attr:    goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String("not completed")),
			wantErr: true,
		},
		{
			name:    "integer syntax with string value",
			attr:    goipp.MakeAttribute("copies", goipp.TagInteger, goipp.String("2")),
			wantErr: true,
		},
		{
			name:    "inverted range",
			attr:    goipp.MakeAttribute("page-ranges", goipp.TagRange, goipp.Range{Lower: 9, Upper: 1}),
			wantErr: true,
		},
		{
			name:    "empty attribute name",
			attr:    goipp.MakeAttribute("", goipp.TagKeyword, goipp.String("x")),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.attr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCopyIntoNeverCopies(t *testing.T) {
	var src goipp.Attributes
	src.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("r")))
	src.Add(goipp.MakeAttribute("document-password", goipp.TagString, goipp.Binary("s3cret")))
	src.Add(goipp.MakeAttribute("job-printer-uri", goipp.TagURI, goipp.String("ipp://h/printers/p")))

	var dst goipp.Attributes
	CopyInto(&dst, src, CopyOptions{WithCollections: true})

	require.Len(t, dst, 1)
	assert.Equal(t, "job-name", dst[0].Name)
}

func TestCopyIntoRequestedAndExclude(t *testing.T) {
	var src goipp.Attributes
	src.Add(goipp.MakeAttribute("job-name", goipp.TagName, goipp.String("r")))
	src.Add(goipp.MakeAttribute("job-originating-user-name", goipp.TagName, goipp.String("alice")))
	src.Add(goipp.MakeAttribute("job-k-octets", goipp.TagInteger, goipp.Integer(12)))

	var dst goipp.Attributes
	CopyInto(&dst, src, CopyOptions{
		Requested:       map[string]bool{"job-name": true, "job-originating-user-name": true},
		Exclude:         map[string]bool{"job-originating-user-name": true},
		WithCollections: true,
	})

	require.Len(t, dst, 1)
	assert.Equal(t, "job-name", dst[0].Name)
}

func TestCopyIntoCollections(t *testing.T) {
	col := goipp.Collection{}
	col.Add(goipp.MakeAttribute("media-size", goipp.TagKeyword, goipp.String("a4")))

	var src goipp.Attributes
	src.Add(goipp.MakeAttribute("media-col", goipp.TagBeginCollection, col))
	src.Add(goipp.MakeAttribute("media", goipp.TagKeyword, goipp.String("a4")))

	// 1.x requester without an explicit request: collections withheld.
	var dst goipp.Attributes
	CopyInto(&dst, src, CopyOptions{})
	require.Len(t, dst, 1)
	assert.Equal(t, "media", dst[0].Name)

	// Explicitly requested: copied even without collection support.
	dst = nil
	CopyInto(&dst, src, CopyOptions{Requested: map[string]bool{"media-col": true}})
	require.Len(t, dst, 1)
	assert.Equal(t, "media-col", dst[0].Name)
}

func TestRequested(t *testing.T) {
	var op goipp.Attributes
	assert.Nil(t, Requested(op))

	op.Add(goipp.MakeAttribute("requested-attributes", goipp.TagKeyword, goipp.String("all")))
	assert.Nil(t, Requested(op))

	op = nil
	a := goipp.Attribute{Name: "requested-attributes"}
	a.Values.Add(goipp.TagKeyword, goipp.String("job-id"))
	a.Values.Add(goipp.TagKeyword, goipp.String("job-state"))
	op.Add(a)
	set := Requested(op)
	assert.True(t, set["job-id"])
	assert.True(t, set["job-state"])
	assert.False(t, set["job-name"])
}

func TestCheckGroupOrder(t *testing.T) {
	ordered := goipp.Groups{
		{Tag: goipp.TagOperationGroup},
		{Tag: goipp.TagJobGroup},
		{Tag: goipp.TagJobGroup},
	}
	assert.True(t, CheckGroupOrder(ordered))

	outOfOrder := goipp.Groups{
		{Tag: goipp.TagOperationGroup},
		{Tag: goipp.TagJobGroup},
		{Tag: goipp.TagOperationGroup},
	}
	assert.False(t, CheckGroupOrder(outOfOrder))

	separated := goipp.Groups{
		{Tag: goipp.TagOperationGroup},
		{Tag: goipp.TagJobGroup},
		{Tag: goipp.TagZero},
		{Tag: goipp.TagJobGroup},
	}
	assert.True(t, CheckGroupOrder(separated))
}
