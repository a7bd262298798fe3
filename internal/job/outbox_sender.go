package job

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"vpnpay/internal/config"
	"vpnpay/internal/infrastructure/mq"
	"vpnpay/internal/model"
	"vpnpay/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 发件箱投递任务
// 通知在业务事务里落库，由这里异步推到 Kafka，Telegram 网关消费。
// 业务成功但通知丢失的窗口被发件箱表关死：没投出去的会一直重试。
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   100 * time.Millisecond,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 通知投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return
	}

	if len(messages) == 0 {
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

type notifyPayload struct {
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.NotifyOutbox) {
	topic := s.cfg.Kafka.Topic.NotifyUser
	if msg.Target == model.NotifyTargetAdmin {
		topic = s.cfg.Kafka.Topic.NotifyAdmin
	}

	payload, err := json.Marshal(notifyPayload{ChatID: msg.ChatID, Message: msg.Message})
	if err == nil {
		// key 用 chat_id，同一用户的通知落同一分区，保序
		err = mq.SendMessage(topic, strconv.FormatInt(msg.ChatID, 10), string(payload))
	}

	if err == nil {
		if updateErr := s.outboxRepo.UpdateStatus(ctx, msg.ID, model.OutboxStatusSent); updateErr != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, updateErr)
		}
		return
	}

	log.Printf("[OutboxSender] 消息投递失败: id=%d, err=%v", msg.ID, err)

	if err := s.outboxRepo.IncrementRetryCount(ctx, msg.ID); err != nil {
		log.Printf("[OutboxSender] 增加重试次数失败: id=%d, err=%v", msg.ID, err)
	}

	if msg.RetryCount+1 >= s.cfg.Business.MaxRetryCount {
		if err := s.outboxRepo.MarkAsFailed(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 标记失败状态失败: id=%d, err=%v", msg.ID, err)
		} else {
			log.Printf("[OutboxSender] 消息超过最大重试次数，标记为失败: id=%d", msg.ID)
		}
	}
}
