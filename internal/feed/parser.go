// Package feed はハブからプッシュされるAtom通知フィードの解析と、
// トピックURL/著者URIからのチャンネルID抽出を提供する。
package feed

import (
	"fmt"
	"io"
	"strings"

	"github.com/mmcdole/gofeed/atom"

	"github.com/hitoshi/ytrelay/internal/model"
)

// channelIDParam はトピックURL内のチャンネルIDパラメータ名。
const channelIDParam = "channel_id="

// Parser は通知ボディをFeedEntryに変換する。
// gofeedのatomパーサを使用する。著者URIが必要なため、
// URIを保持しない汎用パーサではなくatomパーサを直接使う。
type Parser struct {
	parser *atom.Parser
}

// NewParser はParserを生成する。
func NewParser() *Parser {
	return &Parser{parser: &atom.Parser{}}
}

// ParseNotification は通知ボディを解析して先頭エントリを返す。
// ボディがAtomとして解析できない場合はエラーを返す。
// エントリが存在しない場合は(nil, nil)を返し、欠落の扱いは呼び出し側に委ねる。
// タイトル・動画IDの空チェックはここでは行わない。
func (p *Parser) ParseNotification(r io.Reader) (*model.FeedEntry, error) {
	f, err := p.parser.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("Atomフィードの解析に失敗しました: %w", err)
	}
	if f == nil || len(f.Entries) == 0 {
		return nil, nil
	}

	e := f.Entries[0]
	entry := &model.FeedEntry{
		VideoID:   strings.TrimSpace(e.ID),
		Title:     strings.TrimSpace(e.Title),
		Published: e.Published,
		Updated:   e.Updated,
	}

	// 著者は非致命的なエンリッチメント。欠落していてもエントリは有効のまま。
	if len(e.Authors) > 0 && e.Authors[0] != nil {
		entry.ChannelName = strings.TrimSpace(e.Authors[0].Name)
		entry.ChannelID = ChannelIDFromAuthorURI(e.Authors[0].URI)
	}

	return entry, nil
}

// ChannelIDFromTopic はトピックURLからチャンネルIDを抽出する。
// "channel_id=" に続く部分文字列を取り出すベストエフォートのテキスト処理であり、
// 厳密なURL解析は行わない。見つからない場合は空文字列を返す。
func ChannelIDFromTopic(topic string) string {
	idx := strings.Index(topic, channelIDParam)
	if idx < 0 {
		return ""
	}
	rest := topic[idx+len(channelIDParam):]
	if amp := strings.IndexByte(rest, '&'); amp >= 0 {
		rest = rest[:amp]
	}
	return rest
}

// ChannelIDFromAuthorURI は著者URIの最後のパスセグメントをチャンネルIDとして返す。
// 不正なURIは空または誤ったチャンネルIDを黙って生成するが、
// 検証失敗にはしない（認証シグナルではなく補助情報のため）。
func ChannelIDFromAuthorURI(uri string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(uri), "/")
	if trimmed == "" {
		return ""
	}
	if idx := strings.LastIndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[idx+1:]
	}
	return ""
}
