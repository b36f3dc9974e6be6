package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockChannel is a testify mock of Channel
type mockChannel struct {
	mock.Mock
}

var _ Channel = (*mockChannel)(nil)

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	return m.Called(name, ifUnused, noWait).Error(0)
}

func (m *mockChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return m.Called(destination, key, source, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return m.Called(destination, key, source, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	mockArgs := m.Called(name, ifUnused, ifEmpty, noWait)
	return mockArgs.Int(0), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return m.Called(name, key, exchange, args).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) IsClosed() bool {
	return m.Called().Bool(0)
}

func (m *mockChannel) Close() error {
	return m.Called().Error(0)
}
