package orchestrator

import (
	"fmt"

	"github.com/memohai/knowbot/internal/callback"
	"github.com/memohai/knowbot/internal/failure"
	"github.com/memohai/knowbot/internal/knowledge"
)

// replyText is the message sent back to the sender's conversation.
func replyText(event callback.FileEvent, out Outcome) string {
	if out.State == StateAcknowledged {
		if out.Record != nil && out.Record.Status == knowledge.StatusPending {
			return fmt.Sprintf("文件「%s」已提交，知识库正在学习", event.FileName)
		}
		return fmt.Sprintf("文件「%s」已加入知识库", event.FileName)
	}
	switch out.Failure {
	case failure.KindAmbiguousName:
		return "通讯录中有多个同名成员，无法确定您的身份，请联系管理员"
	case failure.KindNotFound:
		return "未能在通讯录中找到您的账号"
	case failure.KindPayloadTooLarge:
		return fmt.Sprintf("文件「%s」过大，无法上传", event.FileName)
	case failure.KindQuotaExceeded:
		return "钉盘空间不足，文件未能保存"
	case failure.KindRejected:
		return fmt.Sprintf("知识库不支持文件「%s」", event.FileName)
	default:
		return fmt.Sprintf("文件「%s」处理失败，请稍后重试", event.FileName)
	}
}
