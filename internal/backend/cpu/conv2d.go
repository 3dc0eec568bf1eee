package cpu

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/caffenet/internal/parallel"
	"github.com/born-ml/caffenet/internal/tensor"
)

// Conv2D performs grouped 2D convolution using im2col and a GEMM per
// (sample, group) pair.
//
// Input shape:  [N, C_in, H, W]
// Kernel shape: [C_out, C_in/groups, K, K]
// Bias shape:   [C_out] (optional)
// Output shape: [N, C_out, H_out, W_out]
//
//	out_h = (H + 2*padding - K) / stride + 1
//	out_w = (W + 2*padding - K) / stride + 1
func (cpu *CPUBackend) Conv2D(input, kernel, bias *tensor.RawTensor, stride, padding, groups int) *tensor.RawTensor {
	requireFloat32("conv2d", input, kernel, bias)
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		exceptions.Panicf("conv2d: input must be 4D [N,C,H,W], got %dD", len(inputShape))
	}
	if len(kernelShape) != 4 {
		exceptions.Panicf("conv2d: kernel must be 4D [C_out,C_in/g,K,K], got %dD", len(kernelShape))
	}
	if stride <= 0 || padding < 0 || groups <= 0 {
		exceptions.Panicf("conv2d: invalid stride=%d padding=%d groups=%d", stride, padding, groups)
	}

	N, CIn, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	COut, CInG, KH, KW := kernelShape[0], kernelShape[1], kernelShape[2], kernelShape[3]

	if CIn%groups != 0 || COut%groups != 0 {
		exceptions.Panicf("conv2d: channels in=%d out=%d not divisible by groups=%d", CIn, COut, groups)
	}
	if CIn/groups != CInG {
		exceptions.Panicf("conv2d: input channels per group %d != kernel channels %d", CIn/groups, CInG)
	}
	if bias != nil && bias.NumElements() != COut {
		exceptions.Panicf("conv2d: bias has %d elements, want %d", bias.NumElements(), COut)
	}

	HOut := (H+2*padding-KH)/stride + 1
	WOut := (W+2*padding-KW)/stride + 1
	if HOut <= 0 || WOut <= 0 {
		exceptions.Panicf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut)
	}

	output := cpu.alloc("conv2d", tensor.Shape{N, COut, HOut, WOut})

	g := convGeometry{
		cIn: CIn, h: H, w: W, kh: KH, kw: KW,
		hOut: HOut, wOut: WOut, stride: stride, padding: padding,
		groups: groups, cInG: CInG, cOutG: COut / groups, cOut: COut,
	}
	src, ker, dst := input.AsFloat32(), kernel.AsFloat32(), output.AsFloat32()

	parallel.For(N*groups, func(item int) {
		n, grp := item/groups, item%groups
		conv2dGroupFloat32(dst, src, ker, n, grp, &g)
	}, cpu.par)

	if bias != nil {
		addChannelBias(dst, bias.AsFloat32(), N, COut, HOut*WOut)
	}
	return output
}

// convGeometry bundles the dimensions shared by every (sample, group) GEMM.
type convGeometry struct {
	cIn, h, w   int
	kh, kw      int
	hOut, wOut  int
	stride      int
	padding     int
	groups      int
	cInG, cOutG int
	cOut        int
}

// conv2dGroupFloat32 computes one output block
// out[n, grp*cOutG:(grp+1)*cOutG] = K_grp [cOutG, cInG*kh*kw] @ col [cInG*kh*kw, hOut*wOut].
func conv2dGroupFloat32(dst, src, ker []float32, n, grp int, g *convGeometry) {
	colRows := g.cInG * g.kh * g.kw
	colCols := g.hOut * g.wOut
	col := make([]float32, colRows*colCols)

	chanBase := grp * g.cInG
	for c := 0; c < g.cInG; c++ {
		plane := src[((n*g.cIn)+chanBase+c)*g.h*g.w:]
		for ky := 0; ky < g.kh; ky++ {
			for kx := 0; kx < g.kw; kx++ {
				row := col[((c*g.kh+ky)*g.kw+kx)*colCols:]
				for oy := 0; oy < g.hOut; oy++ {
					iy := oy*g.stride - g.padding + ky
					if iy < 0 || iy >= g.h {
						continue // zero padding row
					}
					for ox := 0; ox < g.wOut; ox++ {
						ix := ox*g.stride - g.padding + kx
						if ix < 0 || ix >= g.w {
							continue
						}
						row[oy*g.wOut+ox] = plane[iy*g.w+ix]
					}
				}
			}
		}
	}

	a := blas32.General{
		Rows: g.cOutG, Cols: colRows, Stride: colRows,
		Data: ker[grp*g.cOutG*colRows : (grp+1)*g.cOutG*colRows],
	}
	b := blas32.General{Rows: colRows, Cols: colCols, Stride: colCols, Data: col}
	outOff := (n*g.cOut + grp*g.cOutG) * colCols
	c := blas32.General{
		Rows: g.cOutG, Cols: colCols, Stride: colCols,
		Data: dst[outOff : outOff+g.cOutG*colCols],
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)
}

// addChannelBias adds bias[c] to every element of each [N, C, plane] channel.
func addChannelBias(dst, bias []float32, n, channels, plane int) {
	for b := 0; b < n; b++ {
		for c := 0; c < channels; c++ {
			off := (b*channels + c) * plane
			v := bias[c]
			for i := off; i < off+plane; i++ {
				dst[i] += v
			}
		}
	}
}
