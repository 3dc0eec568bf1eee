package caffe

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/internal/caffemodel"
	"github.com/born-ml/caffenet/internal/tensor"
)

// WeightRecord holds the trained blobs of one layer.
type WeightRecord struct {
	Name  string
	Type  string
	Blobs []WeightBlob
}

// WeightBlob is one flat parameter array. Shape is informational; binding
// only checks the element count.
type WeightBlob struct {
	Shape []int
	Data  []float32
}

// WeightsFromCaffemodel converts a decoded weights file into weight records.
// Current-format layers are used when present, legacy ones otherwise.
func WeightsFromCaffemodel(net *caffemodel.NetParameter) []WeightRecord {
	if len(net.Layers) == 0 && len(net.V1Layers) > 0 {
		klog.V(1).Infof("caffe: weights use the legacy V1 layer format (%d layers)", len(net.V1Layers))
	}
	layers := net.AllLayers()
	records := make([]WeightRecord, len(layers))
	for i := range layers {
		l := &layers[i]
		rec := WeightRecord{Name: l.Name, Type: canonicalType(l.Type), Blobs: make([]WeightBlob, len(l.Blobs))}
		for j := range l.Blobs {
			rec.Blobs[j] = WeightBlob{Shape: l.Blobs[j].Dims(), Data: l.Blobs[j].Values()}
		}
		records[i] = rec
	}
	return records
}

// BindIssue is a non-fatal binding problem attributed to one layer.
type BindIssue struct {
	Layer string
	Err   error
}

func (i BindIssue) Error() string {
	return fmt.Sprintf("%s: %v", i.Layer, i.Err)
}

func (i BindIssue) Unwrap() error {
	return i.Err
}

// BindReport lists what Bind did.
type BindReport struct {
	// Bound lists the nodes whose parameters were bound, in graph order.
	Bound []string
	// Issues lists the nodes left unbound, bias blobs that disagree with the
	// layer's bias_term and the records nothing used.
	Issues []BindIssue
}

// OK reports whether binding found no issues.
func (r BindReport) OK() bool {
	return len(r.Issues) == 0
}

// Err returns nil, or an error wrapping ErrBindMismatch that lists every issue.
func (r BindReport) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, len(r.Issues))
	for i, issue := range r.Issues {
		msgs[i] = issue.Error()
	}
	return errors.WithMessagef(ErrBindMismatch, "%d issue(s): %s", len(r.Issues), strings.Join(msgs, "; "))
}

// Bind copies weights into the graph's parameter slots, matching records to
// nodes by layer name.
//
// Every slot is cleared first, so binding again fully replaces the previous
// weights. A node whose weights are missing or malformed is left entirely
// unbound and reported; other nodes are still bound. Bind waits for running
// forward passes to finish.
func (g *Graph) Bind(records []WeightRecord) BindReport {
	g.mu.Lock()
	defer g.mu.Unlock()

	index := make(map[string]*WeightRecord, len(records))
	for i := range records {
		if _, dup := index[records[i].Name]; dup {
			klog.Warningf("caffe: duplicate weights for layer %q, using the first", records[i].Name)
			continue
		}
		index[records[i].Name] = &records[i]
	}

	var report BindReport
	known := make(map[string]bool, len(g.nodes))
	for _, n := range g.nodes {
		known[n.Name] = true
		if n.BatchNorm != nil {
			known[n.BatchNorm.ScaleName] = true
		}
		for _, s := range n.slots() {
			s.clear()
		}
	}

	for _, n := range g.nodes {
		if !n.HasParams() {
			continue
		}
		note, err := bindNode(n, index)
		if err != nil {
			klog.Warningf("caffe: node %q left unbound: %v", n.Name, err)
			report.Issues = append(report.Issues, BindIssue{Layer: n.Name, Err: err})
			continue
		}
		report.Bound = append(report.Bound, n.Name)
		if note != nil {
			klog.Warningf("caffe: node %q: %v", n.Name, note)
			report.Issues = append(report.Issues, BindIssue{Layer: n.Name, Err: note})
		}
	}

	for i := range records {
		r := &records[i]
		if len(r.Blobs) > 0 && !known[r.Name] {
			klog.Warningf("caffe: weights for layer %q (%s) match no node", r.Name, r.Type)
			report.Issues = append(report.Issues, BindIssue{
				Layer: r.Name,
				Err:   errors.WithMessagef(ErrBindMismatch, "%d blob(s) match no node", len(r.Blobs)),
			})
		}
	}

	klog.V(1).Infof("caffe: bound %d nodes, %d issue(s)", len(report.Bound), len(report.Issues))
	return report
}

// pending is a slot assignment that is only committed once the whole node
// validated.
type pending struct {
	slot *Slot
	t    *tensor.RawTensor
}

// bindNode binds every slot of n or none of them. A non-nil note is a
// problem that did not stop the node from being bound.
func bindNode(n *Node, index map[string]*WeightRecord) (note, err error) {
	var assign []pending
	switch n.Kind {
	case OpConvolution:
		c := n.Conv
		assign, note, err = weightAndBias(n, index[n.Name],
			tensor.Shape{c.OutChannels, c.InChannels / c.Groups, c.KernelSize, c.KernelSize},
			c.OutChannels, c.BiasTerm)
	case OpLinear:
		l := n.Linear
		assign, note, err = weightAndBias(n, index[n.Name],
			tensor.Shape{l.OutFeatures, l.InFeatures}, l.OutFeatures, l.BiasTerm)
	case OpFusedBatchNormScale:
		assign, err = batchNormScale(n, index[n.Name], index[n.BatchNorm.ScaleName])
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, a := range assign {
		a.slot.bind(a.t)
	}
	return note, nil
}

// blobTensor copies blob into a tensor of shape, scaling every value by
// factor when it is not 1.
func blobTensor(what string, blob *WeightBlob, shape tensor.Shape, factor float32) (*tensor.RawTensor, error) {
	if len(blob.Data) != shape.NumElements() {
		return nil, errors.WithMessagef(ErrBindMismatch, "%s has %d values, want %d for %v",
			what, len(blob.Data), shape.NumElements(), shape)
	}
	t, err := tensor.FromFloat32(shape, blob.Data)
	if err != nil {
		return nil, err
	}
	if factor != 1 {
		vals := t.AsFloat32()
		for i := range vals {
			vals[i] *= factor
		}
	}
	return t, nil
}

// weightAndBias binds blob[0] as the weight and blob[1] as the bias.
//
// The bias is bound only when the layer declares bias_term. A bias blob on a
// layer without bias_term is ignored, and a missing one on a layer with it
// leaves the bias absent; both are returned as a note.
func weightAndBias(n *Node, rec *WeightRecord, weightShape tensor.Shape, outputs int, biasTerm bool) (assign []pending, note, err error) {
	if rec == nil {
		return nil, nil, errors.WithMessage(ErrBindMismatch, "no weights for layer")
	}
	if len(rec.Blobs) == 0 {
		return nil, nil, errors.WithMessage(ErrBindMismatch, "weights record has no blobs")
	}
	w, err := blobTensor("weight", &rec.Blobs[0], weightShape, 1)
	if err != nil {
		return nil, nil, err
	}
	assign = []pending{{&n.Weight, w}}
	switch hasBias := len(rec.Blobs) > 1; {
	case hasBias && biasTerm:
		b, err := blobTensor("bias", &rec.Blobs[1], tensor.Shape{outputs}, 1)
		if err != nil {
			return nil, nil, err
		}
		assign = append(assign, pending{&n.Bias, b})
	case hasBias:
		note = errors.WithMessage(ErrBindMismatch, "bias blob ignored, layer has bias_term false")
	case biasTerm:
		note = errors.WithMessage(ErrBindMismatch, "no bias blob for a layer with bias_term, bias left absent")
	}
	return assign, note, nil
}

// batchNormScale binds the BatchNorm statistics and the affine parameters of
// the fused Scale layer.
//
// Caffe stores the running sums and a scalar factor: the statistics are
// blob[0]/blob[2][0] and blob[1]/blob[2][0], with a zero factor meaning the
// statistics were never accumulated.
func batchNormScale(n *Node, bnRec, scaleRec *WeightRecord) ([]pending, error) {
	channels := n.BatchNorm.Channels
	shape := tensor.Shape{channels}
	if bnRec == nil {
		return nil, errors.WithMessage(ErrBindMismatch, "no weights for BatchNorm layer")
	}
	if len(bnRec.Blobs) < 3 {
		return nil, errors.WithMessagef(ErrBindMismatch, "BatchNorm has %d blobs, want 3", len(bnRec.Blobs))
	}
	if len(bnRec.Blobs[2].Data) == 0 {
		return nil, errors.WithMessage(ErrBindMismatch, "BatchNorm scale factor blob is empty")
	}
	var factor float32
	if f := bnRec.Blobs[2].Data[0]; f != 0 {
		factor = 1 / f
	}
	mean, err := blobTensor("mean", &bnRec.Blobs[0], shape, factor)
	if err != nil {
		return nil, err
	}
	variance, err := blobTensor("variance", &bnRec.Blobs[1], shape, factor)
	if err != nil {
		return nil, err
	}

	if scaleRec == nil {
		return nil, errors.WithMessagef(ErrBindMismatch, "no weights for Scale layer %q", n.BatchNorm.ScaleName)
	}
	if len(scaleRec.Blobs) == 0 {
		return nil, errors.WithMessagef(ErrBindMismatch, "Scale layer %q has no blobs", n.BatchNorm.ScaleName)
	}
	gamma, err := blobTensor("scale", &scaleRec.Blobs[0], shape, 1)
	if err != nil {
		return nil, err
	}
	assign := []pending{{&n.Mean, mean}, {&n.Variance, variance}, {&n.Gamma, gamma}}
	if len(scaleRec.Blobs) > 1 {
		beta, err := blobTensor("shift", &scaleRec.Blobs[1], shape, 1)
		if err != nil {
			return nil, err
		}
		assign = append(assign, pending{&n.Beta, beta})
	}
	return assign, nil
}
