// Package kafka 提供派发生命周期事件的 Kafka 生产者与派发请求消费者
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/openfaucet/faucet-payout/internal/model"
	"github.com/openfaucet/faucet-payout/pkg/logger"
)

// Kafka 生产者发送的 Topic
const (
	// TopicClaimStatus 派发状态变更 Topic
	// 生产者: faucet-payout
	// 消费者: 前端网关 (推送给用户会话)
	// Partition Key: session
	// 消息格式: model.ClaimStatusUpdate
	TopicClaimStatus = "claim-status"

	// TopicClaimStats 派发完成统计 Topic
	// 生产者: faucet-payout
	// 消费者: 统计服务
	// Partition Key: session
	// 消息格式: model.ClaimStats
	TopicClaimStats = "claim-stats"
)

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{
		producer: producer,
	}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// SendClaimStatusUpdate 发送派发状态变更事件
func (p *Producer) SendClaimStatusUpdate(ctx context.Context, update *model.ClaimStatusUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	return p.send(TopicClaimStatus, update.Session, data)
}

// SendClaimStats 发送派发完成统计
func (p *Producer) SendClaimStats(ctx context.Context, stats *model.ClaimStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}

	return p.send(TopicClaimStats, stats.Session, data)
}

// FaucetEventPublisher 实现 service.EventSink 的 Kafka 事件发布器
type FaucetEventPublisher struct {
	producer *Producer
}

// NewFaucetEventPublisher 创建事件发布器
func NewFaucetEventPublisher(producer *Producer) *FaucetEventPublisher {
	return &FaucetEventPublisher{
		producer: producer,
	}
}

// PublishClaimStatus 发布派发状态变更
func (p *FaucetEventPublisher) PublishClaimStatus(ctx context.Context, update *model.ClaimStatusUpdate) error {
	return p.producer.SendClaimStatusUpdate(ctx, update)
}

// PublishClaimStats 发布派发完成统计
func (p *FaucetEventPublisher) PublishClaimStats(ctx context.Context, stats *model.ClaimStats) error {
	return p.producer.SendClaimStats(ctx, stats)
}
