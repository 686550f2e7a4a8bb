package htmltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain text", in: "  汶川地震  投入生命探测仪18台 ", want: "汶川地震 投入生命探测仪18台"},
		{name: "fragment", in: "<p>投入<b>生命探测仪</b>18台</p>", want: "投入生命探测仪18台"},
		{
			name: "document with chrome",
			in:   "<html><head><title>报告</title><style>p{}</style></head><body><nav>首页</nav><p>救援 队伍</p><script>x()</script></body></html>",
			want: "救援 队伍",
		},
		{name: "comparison is not markup", in: "震级 < 7 时", want: "震级 < 7 时"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.in))
		})
	}
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "玉树地震救援总结", Title("<html><head><title> 玉树地震救援总结 </title></head><body></body></html>"))
	assert.Equal(t, "芦山", Title("<body><h1>芦山</h1></body>"))
	assert.Equal(t, "", Title("纯文本"))
}
