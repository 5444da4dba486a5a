package scraper

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"vbcb-bot/decompiler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const messagesPage = `
<tr>
	<td class="alt2"><a href="misc.php?ccbloc=102" target="ccb">[19-10-26, 14:03]</a> <a href="member.php?u=7">Ondra</a>:</td>
	<td class="alt1"><b>hi</b></td>
</tr>
<tr>
	<td class="alt2"><a href="misc.php?ccbloc=101">[19-10-26, 14:01]</a> <a href="member.php?u=8"><span style="color: red">Bob</span></a></td>
	<td class="alt1">earlier</td>
</tr>
<tr>
	<td class="alt2"><a href="misc.php?ccbloc=100">no timestamp</a> <a href="member.php?u=9&amp;tab=x">Eve</a></td>
	<td class="alt1">undated</td>
</tr>
<tr>
	<td>no links</td>
	<td>skipped</td>
</tr>
<tr>
	<td>only one cell</td>
</tr>
`

func TestParseMessages(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, loc)
	d := decompiler.New(nil, "", slog.New(slog.NewTextHandler(io.Discard, nil)))

	messages, err := ParseMessages(strings.NewReader(messagesPage), d, loc, now)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	first := messages[0]
	assert.Equal(t, int64(102), first.ID)
	assert.Equal(t, int64(7), first.UserID)
	assert.Equal(t, "Ondra", first.UserName())
	assert.Equal(t, "<b>hi</b>", first.BodyHTML())
	assert.Equal(t, "[b]hi[/b]", first.BodyBBCode())
	assert.Equal(t, "hi", first.Body())
	assert.True(t, time.Date(2026, 10, 19, 14, 3, 0, 0, loc).Equal(first.Timestamp), "timestamp %v", first.Timestamp)

	second := messages[1]
	assert.Equal(t, int64(101), second.ID)
	assert.Equal(t, "Bob", second.UserName())
	assert.Equal(t, "Bob", second.UserNameBBCode())

	third := messages[2]
	assert.Equal(t, int64(100), third.ID)
	assert.Equal(t, int64(9), third.UserID)
	assert.True(t, now.Equal(third.Timestamp))
}

func TestParseMessagesEmpty(t *testing.T) {
	tests := []struct {
		name string
		page string
	}{
		{"empty", ""},
		{"whitespace", "  \n\t "},
		{"error page", "<html><body>Database error</body></html>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessages(strings.NewReader(tt.page), nil, time.UTC, time.Now())
			assert.True(t, errors.Is(err, ErrNoMessages))
		})
	}
}

func TestParseSecurityToken(t *testing.T) {
	page := `<html><body><form action="login.php"><input type="hidden" name="securitytoken" value="1700000000-abcdef"></form></body></html>`
	token, err := ParseSecurityToken(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "1700000000-abcdef", token)

	_, err = ParseSecurityToken(strings.NewReader("<html><body>nothing</body></html>"))
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestParseSmilies(t *testing.T) {
	page := `<html><body><ul>
		<li class="smiliebit"><div class="smilieimage"><img src="images/smilies/smile.png" alt=""></div><div class="smilietext">:)</div></li>
		<li class="smiliebit"><div class="smilieimage"><img src="images/smilies/frown.png" alt=""></div><div class="smilietext"> :( </div></li>
		<li class="smiliebit"><div class="smilietext">:broken:</div></li>
	</ul></body></html>`

	defs, err := ParseSmilies(strings.NewReader(page))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, ":)", defs[0].Code)
	assert.Equal(t, "images/smilies/smile.png", defs[0].URL)
	assert.Equal(t, ":(", defs[1].Code)

	defs, err = ParseSmilies(strings.NewReader("<html><body></body></html>"))
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestParseDSTForm(t *testing.T) {
	page := `<html><head><script>var tzOffset = 1 + 1;</script></head><body>
		<form name="dstform" action="profile.php?do=dst" method="post">
			<input type="hidden" name="s" value="">
			<input type="hidden" name="securitytoken" value="tok-1">
		</form></body></html>`

	form, err := ParseDSTForm(page)
	require.NoError(t, err)
	require.NotNil(t, form)
	assert.True(t, form.HasOffset)
	assert.InDelta(t, 2.0, form.ForumOffset, 0.001)
	assert.True(t, form.HasS)
	assert.Equal(t, "", form.S)
	assert.Equal(t, "tok-1", form.SecurityToken)

	form, err = ParseDSTForm("<html><body>no prompt</body></html>")
	require.NoError(t, err)
	assert.Nil(t, form)
}
