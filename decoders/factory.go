package decoders

import (
	"fmt"

	"github.com/aws-samples/siem-on-amazon-opensearch-service-sub000/config"
)

// Factory is the global decoder factory; decoders self-register in init()
var Factory = newDecoderFactory()

type constructor func(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error)

type DecoderFactory struct {
	constructors map[string]constructor
}

func newDecoderFactory() *DecoderFactory {
	return &DecoderFactory{constructors: make(map[string]constructor)}
}

func (f *DecoderFactory) register(fileFormat string, ctor constructor) {
	f.constructors[fileFormat] = ctor
}

// GetDecoder returns a decoder for the log type's file_format.
func (f *DecoderFactory) GetDecoder(lc *config.LogConfig, tracker *ErrorTracker) (Decoder, error) {
	ctor, ok := f.constructors[lc.FileFormat]
	if !ok {
		return nil, fmt.Errorf("unsupported file_format %q for log type %s", lc.FileFormat, lc.LogType)
	}
	return ctor(lc, tracker)
}

// Formats returns the registered file_format identifiers.
func (f *DecoderFactory) Formats() []string {
	formats := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		formats = append(formats, k)
	}
	return formats
}
