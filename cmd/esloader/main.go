package main

import (
	"os"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/logging"
)

func main() {
	logging.Initialize("esloader")
	os.Exit(Execute())
}
