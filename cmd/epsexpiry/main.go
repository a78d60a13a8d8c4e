// Command epsexpiry is a Lambda function subscribed to the datastore table
// stream. It logs every item removed by TTL expiry.
package main

import (
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/NHSDigital/eps-spine-shared-sub000/stream"
)

func main() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	handler := stream.NewExpiryHandler(logger, nil)
	lambda.Start(handler.HandleRemovals)
}
