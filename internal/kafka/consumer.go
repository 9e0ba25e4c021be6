package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/internal/model"
	"github.com/openfaucet/faucet-payout/internal/service"
	"github.com/openfaucet/faucet-payout/pkg/logger"
)

// Kafka 消费者订阅的 Topic
const (
	// TopicClaims 派发请求 Topic
	// 生产者: 前端网关 (HTTP/WebSocket 受理层)
	// 消费者: faucet-payout
	// Partition Key: session
	// 消息格式: model.ClaimRequest
	TopicClaims = "claims"
)

// Consumer Kafka 消费者
type Consumer struct {
	client   sarama.ConsumerGroup
	claimMgr *service.ClaimManager
	topics   []string
	groupID  string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers      []string
	GroupID      string
	ClaimManager *service.ClaimManager
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	return &Consumer{
		client:   client,
		claimMgr: cfg.ClaimManager,
		topics:   []string{TopicClaims},
		groupID:  cfg.GroupID,
	}, nil
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	handler := &consumerGroupHandler{
		claimMgr: c.claimMgr,
	}

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))

	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false

	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	claimMgr *service.ClaimManager
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := context.Background()

		if err := h.handleClaimRequest(ctx, msg.Value); err != nil {
			logger.Error("failed to handle claim request",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			// 重复会话等业务失败不可重试, 继续处理下一条消息
		}

		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) handleClaimRequest(ctx context.Context, data []byte) error {
	var req model.ClaimRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return err
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid claim amount: %q", req.Amount)
	}

	logger.Debug("received claim request",
		zap.String("session", req.Session),
		zap.String("target", req.Target))

	_, err := h.claimMgr.AddClaimTransaction(ctx, req.Target, amount, req.Session)
	if errors.Is(err, service.ErrSessionExists) {
		// 消费重放导致的重复投递, 幂等处理
		return nil
	}
	return err
}
