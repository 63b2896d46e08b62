package llm

import "context"

// MockClient is a test double for the LLM Client interface.
type MockClient struct {
	Response  *Response
	Responses []*Response // consumed in order when set; falls back to Response
	Err       error
	Fn        func(prompt string) (*Response, error) // overrides everything when set
	Calls     []string                                // records prompts sent
}

// Complete records the call and returns the scripted response.
func (m *MockClient) Complete(ctx context.Context, prompt string) (*Response, error) {
	m.Calls = append(m.Calls, prompt)
	if m.Fn != nil {
		return m.Fn(prompt)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) > 0 {
		r := m.Responses[0]
		m.Responses = m.Responses[1:]
		return r, nil
	}
	return m.Response, nil
}
