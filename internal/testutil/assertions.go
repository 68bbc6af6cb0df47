package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ConsultSync/internal/model"
)

// AssertNoDuplicateIDs 消息列表中每个ID只出现一次
func AssertNoDuplicateIDs(t *testing.T, messages []model.Message) bool {
	t.Helper()
	seen := make(map[string]bool, len(messages))
	ok := true
	for _, m := range messages {
		if seen[m.ID] {
			ok = assert.Fail(t, "duplicate message id", "id %s appears more than once", m.ID)
		}
		seen[m.ID] = true
	}
	return ok
}

// AssertChronological 消息按时间戳非递减排列
func AssertChronological(t *testing.T, messages []model.Message) bool {
	t.Helper()
	for i := 1; i < len(messages); i++ {
		if messages[i].Timestamp.Before(messages[i-1].Timestamp) {
			return assert.Fail(t, "messages out of order",
				"%s (%v) rendered after %s (%v)", messages[i].ID, messages[i].Timestamp,
				messages[i-1].ID, messages[i-1].Timestamp)
		}
	}
	return true
}

// AssertContents 按顺序比较消息内容
func AssertContents(t *testing.T, messages []model.Message, want ...string) bool {
	t.Helper()
	got := make([]string, 0, len(messages))
	for _, m := range messages {
		got = append(got, m.Content)
	}
	return assert.Equal(t, want, got)
}

// CountStatus 某状态的消息数
func CountStatus(messages []model.Message, status model.MessageStatus) int {
	n := 0
	for _, m := range messages {
		if m.Status == status {
			n++
		}
	}
	return n
}

// FindContent 按内容查找消息
func FindContent(messages []model.Message, content string) (model.Message, bool) {
	for _, m := range messages {
		if m.Content == content {
			return m, true
		}
	}
	return model.Message{}, false
}
