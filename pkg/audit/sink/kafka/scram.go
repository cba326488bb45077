package kafka

import (
	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

var (
	sha256Client = func() sarama.SCRAMClient { return &scramClient{HashGeneratorFcn: scram.SHA256} }
	sha512Client = func() sarama.SCRAMClient { return &scramClient{HashGeneratorFcn: scram.SHA512} }
)

// scramClient adapts an xdg-go/scram conversation to sarama.SCRAMClient.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.Client = client
	c.ClientConversation = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}
