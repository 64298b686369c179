//
// Copyright (C) 2025 DataPilot Authors. All rights reserved.
//
// datapilot is licensed under the Apache License Version 2.0.
//

// Package model provides interfaces for working with LLMs.
package model

import "context"

// Model is the interface for all language models.
//
// Errors are reported on two layers: function-level errors (returned as
// `error`) are system failures that prevent communication; response-level
// errors (Response.Error) are API failures delivered through the channel
// after communication succeeded.
type Model interface {
	// GenerateContent generates content from the given request. It returns
	// a channel of Response objects for streaming results, or an error for
	// system-level failures.
	GenerateContent(ctx context.Context, request *Request) (<-chan *Response, error)

	// Info returns basic information about the model.
	Info() Info
}

// Info contains basic information about a Model.
type Info struct {
	Name string
}
