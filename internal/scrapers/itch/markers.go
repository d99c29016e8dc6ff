package itch

// Everything in this file is the contract with the storefront's markup, when
// itch.io changes a page these are the strings that need updating.

const DefaultBaseUrl = "https://itch.io"

// Categories that have a "newest on sale" listing.
var Categories = []string{
	"games",
	"tools",
	"game-assets",
	"comics",
	"books",
	"physical-games",
	"soundtracks",
	"game-mods",
	"misc",
}

const (
	// listing pages, formatted with the category and page number
	pathCategorySale = "/%s/newest/on-sale"
	// sale pages, formatted with the sale id
	pathSale = "/s/%d"
	// relative to an item url
	pathItemData        = "/data.json"
	pathItemDownloadUrl = "/download_url"
	pathLogin           = "/login"
	pathMyPurchases     = "/my-purchases"
)

const (
	selectorGameCell     = "div.game_cell"
	selectorGameCellData = "div.game_cell_data"
	selectorGameLink     = "a.game_link"
	selectorGameTitle    = "a.title"
	selectorGamePrice    = "div.price_value"
	selectorGameAuthor   = "div.game_author a"
	selectorClaimForm    = "div.claim_to_download_box.warning_box form"
	selectorSaleInactive = ".not_active_notification"
	selectorCsrfMeta     = "meta[name=csrf_token]"
	selectorCsrfInput    = "input[name=csrf_token]"
	selectorLoginForm    = "form.login_form, form[action$='/login']"
	selectorTotpForm     = "form.totp_form, form[action*=totp]"
	selectorFormErrors   = ".form_errors li"
	attrGameId           = "data-game_id"
)

const (
	formFieldCsrfToken = "csrf_token"
	formFieldUsername  = "username"
	formFieldPassword  = "password"
	formFieldTotpCode  = "code"

	queryParamCsrfToken  = "csrf_token"
	queryParamRewardId   = "reward_id"
	queryParamFormatJson = "format"
	queryParamPage       = "page"
	queryValueFormatJson = "json"

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"
)

const (
	MarkerSaleEnded         = "This sale ended"
	MarkerFullDiscount      = "100%</strong> off"
	MarkerPromotionInactive = "promotion is no longer active"
	// download_url errors that mean the item moved
	DownloadErrorInvalidGame = "invalid game"
	DownloadErrorInvalidUser = "invalid user"
	rewardZeroPrice          = "0.00"
)
