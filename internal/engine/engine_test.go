package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasflow/canvasflow/internal/providers"
	"github.com/canvasflow/canvasflow/pkg/schema"
)

// fakeGenerator returns canned results and records requests.
type fakeGenerator struct {
	mu           sync.Mutex
	imageResult  *providers.GenerateResult
	imageErr     error
	textResult   *providers.LLMResult
	textErr      error
	imageCalls   []*providers.GenerateRequest
	textCalls    []*providers.LLMRequest
	onGenerate   func() // called before returning, e.g. to stop the engine
}

func (f *fakeGenerator) Generate(_ context.Context, req *providers.GenerateRequest) (*providers.GenerateResult, error) {
	f.mu.Lock()
	f.imageCalls = append(f.imageCalls, req)
	hook := f.onGenerate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if f.imageErr != nil {
		return nil, f.imageErr
	}
	if f.imageResult != nil {
		return f.imageResult, nil
	}
	return &providers.GenerateResult{Type: providers.MediaImage, Data: "data:image/png;base64,R0VO"}, nil
}

func (f *fakeGenerator) GenerateText(_ context.Context, req *providers.LLMRequest) (*providers.LLMResult, error) {
	f.mu.Lock()
	f.textCalls = append(f.textCalls, req)
	f.mu.Unlock()
	if f.textErr != nil {
		return nil, f.textErr
	}
	if f.textResult != nil {
		return f.textResult, nil
	}
	return &providers.LLMResult{Text: "generated text"}, nil
}

func (f *fakeGenerator) ImageCalls() []*providers.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*providers.GenerateRequest, len(f.imageCalls))
	copy(cp, f.imageCalls)
	return cp
}

// generationGraph builds imageInput + prompt -> nanoBanana -> output.
func generationGraph(t *testing.T) (*schema.Graph, *schema.Node, *schema.Node, *schema.Node, *schema.Node) {
	t.Helper()
	g := schema.NewGraph()
	input := addNode(t, g, schema.NodeKindImageInput)
	prompt := addNode(t, g, schema.NodeKindPrompt)
	gen := addNode(t, g, schema.NodeKindImageGenerate)
	output := addNode(t, g, schema.NodeKindOutput)

	input.Data.(*schema.ImageInputData).Image = "data:image/png;base64,SU5QVVQ="
	prompt.Data.(*schema.PromptData).Prompt = "a red balloon"

	connect(t, g, input, schema.PortImage, gen, schema.PortImage)
	connect(t, g, prompt, schema.PortText, gen, schema.PortText)
	connect(t, g, gen, schema.PortImage, output, schema.PortImage)
	return g, input, prompt, gen, output
}

func TestExecute_FullRun(t *testing.T) {
	g, _, _, gen, output := generationGraph(t)
	fake := &fakeGenerator{}
	app := &mockAppender{}
	eng := NewEngine("wf-1", g, fake, app, nil)

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, schema.RunStateCompleted, result.State)
	require.Nil(t, result.Error)
	require.NotNil(t, result.CompletedAt)

	genData := gen.Data.(*schema.ImageGenerateData)
	assert.Equal(t, schema.NodeStatusComplete, genData.Status)
	assert.Equal(t, "data:image/png;base64,R0VO", genData.OutputImage)
	assert.Equal(t, []string{"data:image/png;base64,SU5QVVQ="}, genData.InputImages)
	assert.Equal(t, "a red balloon", genData.InputPrompt)

	outData := output.Data.(*schema.OutputData)
	assert.Equal(t, "data:image/png;base64,R0VO", outData.Image)

	types := app.EventTypes()
	assert.Equal(t, schema.EventRunStarted, types[0])
	assert.Equal(t, schema.EventRunCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventNodeStarted)
	assert.Contains(t, types, schema.EventNodeCompleted)
}

func TestExecute_RequestCarriesNodeSettings(t *testing.T) {
	g, _, _, gen, _ := generationGraph(t)
	genData := gen.Data.(*schema.ImageGenerateData)
	genData.Model = "nano-banana-pro"
	genData.AspectRatio = "16:9"
	genData.Resolution = "2K"
	genData.UseGoogleSearch = true

	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	_, err := eng.Execute(context.Background(), RunOptions{
		Creds: providers.Credentials{Gemini: "key-123"},
	})
	require.NoError(t, err)

	calls := fake.ImageCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "nano-banana-pro", calls[0].Model)
	assert.Equal(t, "16:9", calls[0].AspectRatio)
	assert.Equal(t, "2K", calls[0].Resolution)
	assert.True(t, calls[0].UseGoogleSearch)
	assert.Equal(t, "key-123", calls[0].Creds.Gemini)
}

func TestExecute_MissingInputsFailsNode(t *testing.T) {
	g := schema.NewGraph()
	gen := addNode(t, g, schema.NodeKindImageGenerate)

	fake := &fakeGenerator{}
	app := &mockAppender{}
	eng := NewEngine("wf-1", g, fake, app, nil)

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateErrored, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeInputMissing, result.Error.Code)
	assert.Equal(t, "Missing image or text input", result.Error.Message)

	genData := gen.Data.(*schema.ImageGenerateData)
	assert.Equal(t, schema.NodeStatusError, genData.Status)
	assert.Equal(t, "Missing image or text input", genData.Error)
	assert.Empty(t, fake.ImageCalls())

	types := app.EventTypes()
	assert.Equal(t, schema.EventRunErrored, types[len(types)-1])
}

func TestExecute_DynamicInputsBypassMissingCheck(t *testing.T) {
	g := schema.NewGraph()
	gen := addNode(t, g, schema.NodeKindImageGenerate)
	genData := gen.Data.(*schema.ImageGenerateData)
	genData.DynamicInputs = map[string]string{"prompt": "a castle"}

	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)
	require.Len(t, fake.ImageCalls(), 1)
	assert.Equal(t, map[string]string{"prompt": "a castle"}, fake.ImageCalls()[0].DynamicInputs)
}

func TestExecute_GenerationFailureHaltsRun(t *testing.T) {
	g, _, _, gen, output := generationGraph(t)
	fake := &fakeGenerator{
		imageErr: schema.NewError(schema.ErrCodeRateLimited, "Rate limit reached. Please wait and try again."),
	}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateErrored, result.State)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeRateLimited, result.Error.Code)

	genData := gen.Data.(*schema.ImageGenerateData)
	assert.Equal(t, schema.NodeStatusError, genData.Status)
	assert.Equal(t, "Rate limit reached. Please wait and try again.", genData.Error)

	// Downstream output never ran.
	assert.Empty(t, output.Data.(*schema.OutputData).Image)
}

func TestExecute_LLMChain(t *testing.T) {
	g := schema.NewGraph()
	prompt := addNode(t, g, schema.NodeKindPrompt)
	llm := addNode(t, g, schema.NodeKindLLMGenerate)
	prompt.Data.(*schema.PromptData).Prompt = "describe a scene"
	connect(t, g, prompt, schema.PortText, llm, schema.PortText)

	fake := &fakeGenerator{textResult: &providers.LLMResult{Text: "a quiet harbor at dawn"}}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)

	llmData := llm.Data.(*schema.LLMGenerateData)
	assert.Equal(t, schema.NodeStatusComplete, llmData.Status)
	assert.Equal(t, "a quiet harbor at dawn", llmData.OutputText)
	assert.Equal(t, "describe a scene", llmData.InputPrompt)
}

func TestExecute_LLMMissingText(t *testing.T) {
	g := schema.NewGraph()
	llm := addNode(t, g, schema.NodeKindLLMGenerate)

	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)
	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateErrored, result.State)
	assert.Equal(t, "Missing text input", result.Error.Message)
	assert.Equal(t, "Missing text input", llm.Data.(*schema.LLMGenerateData).Error)
}

func TestExecute_AnnotationPassthrough(t *testing.T) {
	g := schema.NewGraph()
	input := addNode(t, g, schema.NodeKindImageInput)
	annot := addNode(t, g, schema.NodeKindAnnotation)
	input.Data.(*schema.ImageInputData).Image = "source-image"
	connect(t, g, input, schema.PortImage, annot, schema.PortImage)

	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)
	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)

	annotData := annot.Data.(*schema.AnnotationData)
	assert.Equal(t, "source-image", annotData.SourceImage)
	assert.Equal(t, "source-image", annotData.OutputImage)
}

func TestExecute_AnnotationKeepsExistingOutput(t *testing.T) {
	g := schema.NewGraph()
	input := addNode(t, g, schema.NodeKindImageInput)
	annot := addNode(t, g, schema.NodeKindAnnotation)
	input.Data.(*schema.ImageInputData).Image = "source-image"
	annot.Data.(*schema.AnnotationData).OutputImage = "already-annotated"
	connect(t, g, input, schema.PortImage, annot, schema.PortImage)

	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)
	_, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)

	annotData := annot.Data.(*schema.AnnotationData)
	assert.Equal(t, "source-image", annotData.SourceImage)
	assert.Equal(t, "already-annotated", annotData.OutputImage)
}

func TestExecute_PauseEdgeHaltsBeforeNode(t *testing.T) {
	g, _, _, gen, _ := generationGraph(t)
	// Pause on one of the generate node's incoming edges.
	for _, e := range g.IncomingEdges(gen.ID) {
		if e.SourceHandle == schema.PortText {
			e.Pause = true
		}
	}

	fake := &fakeGenerator{}
	app := &mockAppender{}
	eng := NewEngine("wf-1", g, fake, app, nil)

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatePaused, result.State)
	assert.Equal(t, gen.ID, result.PausedNodeID)
	assert.Equal(t, gen.ID, eng.PausedNodeID())
	// The generator was never called.
	assert.Empty(t, fake.ImageCalls())

	types := app.EventTypes()
	assert.Equal(t, schema.EventRunPaused, types[len(types)-1])
}

func TestExecute_ResumeSkipsPauseCheckOnTarget(t *testing.T) {
	g, _, _, gen, output := generationGraph(t)
	for _, e := range g.IncomingEdges(gen.ID) {
		e.Pause = true
	}

	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	paused, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	require.Equal(t, schema.RunStatePaused, paused.State)

	// Resume from the paused node: its pause check is skipped.
	resumed, err := eng.Execute(context.Background(), RunOptions{StartNodeID: gen.ID})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, resumed.State)
	require.Len(t, fake.ImageCalls(), 1)
	assert.NotEmpty(t, output.Data.(*schema.OutputData).Image)
}

func TestExecute_StartNodeSkipsEarlierNodes(t *testing.T) {
	g, _, _, gen, output := generationGraph(t)
	genData := gen.Data.(*schema.ImageGenerateData)
	// Pretend an earlier run already produced this.
	genData.OutputImage = "previous-output"

	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Execute(context.Background(), RunOptions{StartNodeID: output.ID})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)
	// Only the output node ran; no generation happened.
	assert.Empty(t, fake.ImageCalls())
	assert.Equal(t, "previous-output", output.Data.(*schema.OutputData).Image)
}

func TestExecute_StopHaltsAtNodeBoundary(t *testing.T) {
	g := schema.NewGraph()
	prompt := addNode(t, g, schema.NodeKindPrompt)
	first := addNode(t, g, schema.NodeKindImageGenerate)
	second := addNode(t, g, schema.NodeKindImageGenerate)
	prompt.Data.(*schema.PromptData).Prompt = "p"
	first.Data.(*schema.ImageGenerateData).DynamicInputs = map[string]string{"prompt": "p"}
	second.Data.(*schema.ImageGenerateData).DynamicInputs = map[string]string{"prompt": "p"}
	connect(t, g, first, schema.PortImage, second, schema.PortImage)

	fake := &fakeGenerator{}
	app := &mockAppender{}
	eng := NewEngine("wf-1", g, fake, app, nil)
	// Request a stop while the first generation is in flight.
	fake.onGenerate = func() { eng.Stop() }

	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateStopped, result.State)
	// The in-flight node finished; the next never started.
	assert.Len(t, fake.ImageCalls(), 1)

	types := app.EventTypes()
	assert.Equal(t, schema.EventRunStopped, types[len(types)-1])
}

func TestExecute_DuplicateRunIgnored(t *testing.T) {
	g, _, _, _, _ := generationGraph(t)
	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	fake.onGenerate = func() {
		close(started)
		<-release
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = eng.Execute(context.Background(), RunOptions{})
	}()
	<-started

	// Second Execute while the first is running: ignored.
	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Nil(t, result)

	close(release)
	<-done
	assert.Len(t, fake.ImageCalls(), 1)
}

func TestExecute_CycleErrorsRun(t *testing.T) {
	g := schema.NewGraph()
	a := addNode(t, g, schema.NodeKindImageGenerate)
	b := addNode(t, g, schema.NodeKindImageGenerate)
	connect(t, g, a, schema.PortImage, b, schema.PortImage)
	connect(t, g, b, schema.PortImage, a, schema.PortImage)

	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)
	result, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateErrored, result.State)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Error.Code)
}

func TestRegenerate_UsesFrozenInputs(t *testing.T) {
	g, input, prompt, gen, _ := generationGraph(t)
	genData := gen.Data.(*schema.ImageGenerateData)
	genData.InputImages = []string{"frozen-image"}
	genData.InputPrompt = "frozen prompt"
	genData.Status = schema.NodeStatusComplete
	// Changing upstream data must not affect regeneration.
	input.Data.(*schema.ImageInputData).Image = "new-image"
	prompt.Data.(*schema.PromptData).Prompt = "new prompt"

	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Regenerate(context.Background(), gen.ID, providers.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)

	calls := fake.ImageCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"frozen-image"}, calls[0].Images)
	assert.Equal(t, "frozen prompt", calls[0].Prompt)
}

func TestRegenerate_FallsBackToConnectedInputs(t *testing.T) {
	g, _, _, gen, _ := generationGraph(t)

	fake := &fakeGenerator{}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Regenerate(context.Background(), gen.ID, providers.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)

	calls := fake.ImageCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"data:image/png;base64,SU5QVVQ="}, calls[0].Images)
	assert.Equal(t, "a red balloon", calls[0].Prompt)
}

func TestRegenerate_MissingInputs(t *testing.T) {
	g := schema.NewGraph()
	gen := addNode(t, g, schema.NodeKindImageGenerate)

	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)
	result, err := eng.Regenerate(context.Background(), gen.ID, providers.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateErrored, result.State)
	assert.Equal(t, "Missing image or text input", result.Error.Message)
}

func TestRegenerate_UnknownNode(t *testing.T) {
	g := schema.NewGraph()
	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)

	_, err := eng.Regenerate(context.Background(), "ghost", providers.Credentials{})
	assertFlowError(t, err, schema.ErrCodeNotFound)
}

func TestRegenerate_NonGenerationNode(t *testing.T) {
	g := schema.NewGraph()
	prompt := addNode(t, g, schema.NodeKindPrompt)

	eng := NewEngine("wf-1", g, &fakeGenerator{}, nil, nil)
	_, err := eng.Regenerate(context.Background(), prompt.ID, providers.Credentials{})
	assertFlowError(t, err, schema.ErrCodeValidation)
}

func TestRegenerate_LLMNode(t *testing.T) {
	g := schema.NewGraph()
	llm := addNode(t, g, schema.NodeKindLLMGenerate)
	llmData := llm.Data.(*schema.LLMGenerateData)
	llmData.InputPrompt = "stored prompt"
	llmData.Status = schema.NodeStatusError
	llmData.Error = "previous failure"

	fake := &fakeGenerator{textResult: &providers.LLMResult{Text: "fresh output"}}
	eng := NewEngine("wf-1", g, fake, nil, nil)

	result, err := eng.Regenerate(context.Background(), llm.ID, providers.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, schema.RunStateCompleted, result.State)
	assert.Equal(t, "fresh output", llmData.OutputText)
	assert.Equal(t, schema.NodeStatusComplete, llmData.Status)
	assert.Empty(t, llmData.Error)
}

func TestStatus_Snapshot(t *testing.T) {
	g, _, _, _, _ := generationGraph(t)
	eng := NewEngine("wf-42", g, &fakeGenerator{}, nil, nil)

	status := eng.Status()
	assert.Equal(t, "wf-42", status.WorkflowID)
	assert.Equal(t, schema.RunStateIdle, status.State)
	assert.False(t, status.Running)

	_, err := eng.Execute(context.Background(), RunOptions{})
	require.NoError(t, err)

	status = eng.Status()
	assert.Equal(t, schema.RunStateCompleted, status.State)
	assert.False(t, status.Running)
	assert.NotEmpty(t, status.RunID)
}
