package ddb

import (
	"context"
	"errors"
	"fmt"
	"guildsync/internal/types"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbTypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"
)

const (
	SGuild  = "GUILD"
	SConfig = "CONFIG"
)

func pkGuild(key types.ConfigKey) string { return fmt.Sprintf("%s#%s", SGuild, key) }
func skConfig() string                   { return SConfig }

func parseGuildKey(pk string) (types.ConfigKey, error) {
	key, ok := strings.CutPrefix(pk, SGuild+"#")
	if !ok || key == "" {
		return "", fmt.Errorf("unexpected partition key %q", pk)
	}
	return types.ConfigKey(key), nil
}

func createTableIfNotExists(ctx context.Context, client *dynamodb.Client, table string) error {
	_, err := client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: &table,
		AttributeDefinitions: []ddbTypes.AttributeDefinition{
			{AttributeName: awsString("PK"), AttributeType: ddbTypes.ScalarAttributeTypeS},
			{AttributeName: awsString("SK"), AttributeType: ddbTypes.ScalarAttributeTypeS},
		},
		KeySchema: []ddbTypes.KeySchemaElement{
			{AttributeName: awsString("PK"), KeyType: ddbTypes.KeyTypeHash},
			{AttributeName: awsString("SK"), KeyType: ddbTypes.KeyTypeRange},
		},
		BillingMode: ddbTypes.BillingModePayPerRequest,
	})
	var re *ddbTypes.ResourceInUseException
	if err != nil && !errors.As(err, &re) {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	if err == nil {
		log.WithField("table", table).Info("created dynamodb table")
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
