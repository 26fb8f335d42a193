package async

import (
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/vitesse/pkg/types"
)

// batchFile is the on-disk layout of a batch:
//
//	requests:
//	  - method: GET
//	    target: /users/1
//	    headers:
//	      Accept: application/json
//	  - method: POST
//	    target: /orders
//	    body: '{"sku":"A-1"}'
type batchFile struct {
	Requests []batchRequest `yaml:"requests" validate:"required,min=1,dive"`
}

type batchRequest struct {
	Method  string            `yaml:"method" validate:"required,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Target  string            `yaml:"target" validate:"required"`
	Headers map[string]string `yaml:"headers"`
	Body    string            `yaml:"body"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadBatch decodes and validates a batch. Unknown keys are rejected.
func LoadBatch(r io.Reader) ([]*types.Request, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file batchFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if err := validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid batch: %w", err)
	}

	out := make([]*types.Request, 0, len(file.Requests))
	for _, br := range file.Requests {
		req := types.NewRequest(br.Method, br.Target)
		for k, v := range br.Headers {
			req.Header(k, v)
		}
		if br.Body != "" {
			req.Body = []byte(br.Body)
		}
		if err := validate.Struct(req); err != nil {
			return nil, fmt.Errorf("invalid request %s: %w", req, err)
		}
		out = append(out, req)
	}
	return out, nil
}

// LoadBatchFile reads a batch from path.
func LoadBatchFile(path string) ([]*types.Request, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open batch: %w", err)
	}
	defer f.Close()
	return LoadBatch(f)
}
